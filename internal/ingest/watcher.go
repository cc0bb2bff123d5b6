package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig selects the inbox directories and how file events are coalesced.
type WatchConfig struct {
	Roots       []string      // directories to watch (recursive)
	InitialScan bool          // emit files already present under Roots
	Debounce    time.Duration // coalesce write bursts on the same file
}

// Watch emits allowed files created or written under cfg.Roots until ctx is done. Both
// channels are closed when watching stops.
func (i *Ingestor) Watch(ctx context.Context, cfg WatchConfig) (<-chan string, <-chan error, error) {
	if len(cfg.Roots) == 0 {
		return nil, nil, errors.New("no roots provided")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	var existing []string
	for _, root := range cfg.Roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return w.Add(path)
			}
			if cfg.InitialScan && i.Allowed(path) {
				existing = append(existing, path)
			}
			return nil
		})
		if err != nil {
			i.logger.Error("ingest.watch.add_failed", "root", root, "error", err)
			_ = w.Close()
			return nil, nil, err
		}
	}

	files := make(chan string, 64)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(files)
		defer func() { _ = w.Close() }()

		send := func(path string) bool {
			select {
			case files <- path:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, p := range existing {
			if !send(p) {
				return
			}
		}

		var (
			timer   *time.Timer
			fire    <-chan time.Time
			pending = map[string]struct{}{}
		)
		flush := func() bool {
			for p := range pending {
				delete(pending, p)
				if !send(p) {
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Has(fsnotify.Create) {
					if fi, err := os.Stat(e.Name); err == nil && fi.IsDir() {
						if err := w.Add(e.Name); err != nil {
							i.logger.Warn("ingest.watch.add_failed", "path", e.Name, "error", err)
						}
						continue
					}
				}
				if !i.Allowed(e.Name) || !(e.Has(fsnotify.Create) || e.Has(fsnotify.Write)) {
					continue
				}
				pending[e.Name] = struct{}{}
				if cfg.Debounce <= 0 {
					if !flush() {
						return
					}
					continue
				}
				if timer == nil {
					timer = time.NewTimer(cfg.Debounce)
				} else {
					timer.Reset(cfg.Debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				if !flush() {
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				i.logger.Error("ingest.watch.error", "error", err)
				select {
				case errs <- err:
				default:
				}
			}
		}
	}()
	return files, errs, nil
}

// Inbox suffixes appended to a file once it has been ingested.
const (
	DoneSuffix   = ".done"
	FailedSuffix = ".failed"
)

// RunInbox watches cfg.Roots and ingests each file once its writes settle, then renames it
// with DoneSuffix or FailedSuffix so it is not picked up again. It returns when ctx is done.
func (i *Ingestor) RunInbox(ctx context.Context, cfg WatchConfig) error {
	files, errs, err := i.Watch(ctx, cfg)
	if err != nil {
		return err
	}
	i.logger.Info("ingest.inbox.started", "roots", cfg.Roots)
	for {
		select {
		case path, ok := <-files:
			if !ok {
				i.logger.Info("ingest.inbox.stopped")
				return nil
			}
			i.processInboxFile(ctx, path)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			i.logger.Warn("ingest.inbox.watch_error", "error", err)
		}
	}
}

func (i *Ingestor) processInboxFile(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	suffix := DoneSuffix
	if _, err := i.IngestFile(ctx, path); err != nil {
		if ctx.Err() != nil {
			return
		}
		i.logger.Error("ingest.inbox.file_failed", "path", path, "error", err)
		suffix = FailedSuffix
	}
	if err := os.Rename(path, path+suffix); err != nil {
		i.logger.Warn("ingest.inbox.rename_failed", "path", path, "error", err)
	}
}
