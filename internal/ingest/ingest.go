// Package ingest submits property URLs listed in files, either one directory pass at a time
// or continuously from a watched inbox.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/joseph-ayodele/listing-diagnostics/internal/common"
	"github.com/joseph-ayodele/listing-diagnostics/internal/pipeline"
)

// Submitter records one submission.
type Submitter interface {
	Submit(ctx context.Context, propertyURL string) (pipeline.StatusView, error)
}

// Rejection is a listed URL the pipeline refused to record.
type Rejection struct {
	Line int
	URL  string
	Err  string
}

// FileResult is the per-file ingest outcome.
type FileResult struct {
	Path       string
	HashHex    string
	Submitted  []uuid.UUID
	Rejected   []Rejection
	Duplicates int
	// Deduplicated is set when identical file content was ingested before and nothing was submitted.
	Deduplicated bool
	Err          string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
	Submitted    uint32
	Rejected     uint32
}

var defaultExts = []string{"txt", "csv", "xlsx"}

// Ingestor reads URL lists and hands each URL to a Submitter.
type Ingestor struct {
	sub    Submitter
	logger *slog.Logger
	exts   map[string]struct{}
	seen   *lru.Cache[string, time.Time]
}

type Option func(*Ingestor)

// WithExtensions restricts the file types read; unknown ones are read as plain text.
func WithExtensions(exts ...string) Option {
	return func(i *Ingestor) {
		if len(exts) == 0 {
			return
		}
		i.exts = map[string]struct{}{}
		for _, e := range exts {
			if e = normalizeExt(e); e != "" {
				i.exts[e] = struct{}{}
			}
		}
	}
}

// New creates an Ingestor remembering the content hashes of the last seenSize files.
func New(sub Submitter, logger *slog.Logger, seenSize int, opts ...Option) (*Ingestor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if seenSize <= 0 {
		seenSize = 1024
	}
	seen, err := lru.New[string, time.Time](seenSize)
	if err != nil {
		return nil, fmt.Errorf("ingest cache: %w", err)
	}
	i := &Ingestor{sub: sub, logger: logger, seen: seen}
	WithExtensions(defaultExts...)(i)
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Allowed reports whether path has one of the configured extensions.
func (i *Ingestor) Allowed(path string) bool {
	_, ok := i.exts[normalizeExt(filepath.Ext(path))]
	return ok
}

// IngestFile submits every URL listed in path. URLs repeated within the file are submitted
// once, and a file whose content was already ingested is skipped entirely.
func (i *Ingestor) IngestFile(ctx context.Context, path string) (FileResult, error) {
	res := FileResult{Path: path}
	if !i.Allowed(path) {
		return res, common.NewAppError("INVALID_INPUT", fmt.Sprintf("unsupported file type %q", filepath.Ext(path)), common.ErrInvalidInput)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return res, fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	res.HashHex = hex.EncodeToString(sum[:])
	if at, ok := i.seen.Get(res.HashHex); ok {
		i.logger.Info("ingest.file.duplicate", "path", path, "hash", res.HashHex, "first_seen", at)
		res.Deduplicated = true
		return res, nil
	}

	lines, err := readURLs(normalizeExt(filepath.Ext(path)), data)
	if err != nil {
		return res, fmt.Errorf("parse %s: %w", path, err)
	}

	listed := map[string]struct{}{}
	for _, l := range lines {
		if _, dup := listed[l.URL]; dup {
			res.Duplicates++
			continue
		}
		listed[l.URL] = struct{}{}

		view, err := i.sub.Submit(ctx, l.URL)
		switch {
		case errors.Is(err, common.ErrInvalidInput):
			res.Rejected = append(res.Rejected, Rejection{Line: l.Line, URL: l.URL, Err: err.Error()})
		case err != nil:
			return res, fmt.Errorf("%s line %d: %w", path, l.Line, err)
		default:
			res.Submitted = append(res.Submitted, view.ID)
		}
	}

	i.seen.Add(res.HashHex, time.Now().UTC())
	i.logger.Info("ingest.file.done",
		"path", path,
		"submitted", len(res.Submitted),
		"rejected", len(res.Rejected),
		"duplicates", res.Duplicates,
	)
	return res, nil
}

// IngestDirectory walks root and ingests every allowed file. Per-file failures are recorded
// in the results and do not stop the walk.
func (i *Ingestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]FileResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, common.NewAppError("INVALID_INPUT", "root path is required", common.ErrInvalidInput)
	}

	var (
		results []FileResult
		stats   DirStats
	)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, FileResult{Path: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && isHidden(path) && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !i.Allowed(path) {
			return nil
		}
		stats.Matched++

		res, err := i.IngestFile(ctx, path)
		if err != nil {
			res.Err = err.Error()
			stats.Failed++
		} else {
			stats.Succeeded++
		}
		if res.Deduplicated {
			stats.Deduplicated++
		}
		stats.Submitted += uint32(len(res.Submitted))
		stats.Rejected += uint32(len(res.Rejected))
		results = append(results, res)
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}

type listedURL struct {
	Line int
	URL  string
}

// readURLs extracts the listed URLs from a file's content by type.
func readURLs(ext string, data []byte) ([]listedURL, error) {
	switch ext {
	case "csv":
		return readCSV(bytes.NewReader(data))
	case "xlsx":
		return readXLSX(data)
	default:
		return readLines(bytes.NewReader(data))
	}
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
