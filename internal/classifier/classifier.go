// Package classifier decides which listing platform a submitted URL belongs to and rejects URL
// shapes that cannot be extracted. Classification is pure: the host table is loaded once at
// construction and Classify does no I/O.
package classifier

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

//go:embed hosts.yaml
var defaultTable []byte

const (
	ReasonMalformed   = "malformed URL"
	ReasonShareLink   = "unsupported link form"
	ReasonUnsupported = "unsupported platform"
)

// Result is the outcome of classifying one URL. RejectedReason is empty when the URL may proceed.
type Result struct {
	Platform       constants.Platform
	RejectedReason string
}

// Rejected reports whether the URL must not enter extraction.
func (r Result) Rejected() bool { return r.RejectedReason != "" }

// HostTable is the YAML shape of the platform and share-link tables.
type HostTable struct {
	Platforms  map[string][]string `yaml:"platforms"`
	ShareLinks []ShareRule         `yaml:"share_links"`
}

// ShareRule matches a share or short-link form. Empty fields match anything; a rule with only
// Host rejects every path on that host.
type ShareRule struct {
	Host         string `yaml:"host"`
	PathPrefix   string `yaml:"path_prefix"`
	PathContains string `yaml:"path_contains"`
	QueryKey     string `yaml:"query_key"`
}

type hostRule struct {
	pattern  string
	platform constants.Platform
}

// Classifier holds the compiled host and share-link tables.
type Classifier struct {
	hosts  []hostRule
	shares []ShareRule
}

// Option customizes a Classifier.
type Option func(*options) error

type options struct {
	extra []hostRule
}

// WithHosts maps additional host patterns to platform. They take precedence over the built-in table.
func WithHosts(platform constants.Platform, patterns ...string) Option {
	return func(o *options) error {
		if !platform.IsSupported() {
			return fmt.Errorf("classifier: unsupported platform %q", platform)
		}
		for _, p := range patterns {
			o.extra = append(o.extra, hostRule{pattern: normalizePattern(p), platform: platform})
		}
		return nil
	}
}

// WithHostsFile loads additional platform host patterns from a YAML file shaped like HostTable.
// An empty path is ignored.
func WithHostsFile(path string) Option {
	return func(o *options) error {
		if path == "" {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("classifier: read hosts file: %w", err)
		}
		var t HostTable
		if err := yaml.Unmarshal(b, &t); err != nil {
			return fmt.Errorf("classifier: parse hosts file: %w", err)
		}
		rules, err := platformRules(t.Platforms)
		if err != nil {
			return err
		}
		o.extra = append(o.extra, rules...)
		return nil
	}
}

// New builds a Classifier from the embedded table plus any options.
func New(opts ...Option) (*Classifier, error) {
	var t HostTable
	if err := yaml.Unmarshal(defaultTable, &t); err != nil {
		return nil, fmt.Errorf("classifier: parse embedded table: %w", err)
	}
	base, err := platformRules(t.Platforms)
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	shares := make([]ShareRule, len(t.ShareLinks))
	for i, r := range t.ShareLinks {
		r.Host = normalizePattern(r.Host)
		shares[i] = r
	}
	return &Classifier{
		hosts:  append(o.extra, base...),
		shares: shares,
	}, nil
}

var defaultClassifier = mustNew()

func mustNew() *Classifier {
	c, err := New()
	if err != nil {
		panic(err)
	}
	return c
}

// Classify uses the built-in table.
func Classify(raw string) Result { return defaultClassifier.Classify(raw) }

// Classify validates raw and maps it to a platform. Checks run in order: malformed input,
// share-link forms, then the platform table.
func (c *Classifier) Classify(raw string) Result {
	u, reason := parse(raw)
	if reason != "" {
		return Result{Platform: constants.PlatformUnknown, RejectedReason: reason}
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")

	platform := constants.PlatformUnknown
	for _, h := range c.hosts {
		if hostMatches(host, h.pattern) {
			platform = h.platform
			break
		}
	}

	for _, s := range c.shares {
		if s.matches(host, u) {
			return Result{
				Platform:       platform,
				RejectedReason: ReasonShareLink + ": share and short links do not expose listing data, submit the full listing URL",
			}
		}
	}

	if platform == constants.PlatformUnknown {
		return Result{Platform: platform, RejectedReason: ReasonUnsupported + ": " + host}
	}
	return Result{Platform: platform}
}

func parse(raw string) (*url.URL, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ReasonMalformed + ": empty"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ReasonMalformed + ": " + err.Error()
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Sprintf("%s: scheme %q is not http(s)", ReasonMalformed, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, ReasonMalformed + ": missing host"
	}
	return u, ""
}

func (s ShareRule) matches(host string, u *url.URL) bool {
	if s.Host != "" && !hostMatches(host, s.Host) {
		return false
	}
	if s.PathPrefix != "" && !strings.HasPrefix(u.Path, s.PathPrefix) {
		return false
	}
	if s.PathContains != "" && !strings.Contains(strings.ToLower(u.Path), s.PathContains) {
		return false
	}
	if s.QueryKey != "" && !u.Query().Has(s.QueryKey) {
		return false
	}
	return s.Host != "" || s.PathPrefix != "" || s.PathContains != "" || s.QueryKey != ""
}

func platformRules(table map[string][]string) ([]hostRule, error) {
	var out []hostRule
	// Walk in a fixed order so overlapping patterns resolve the same way every run.
	for _, p := range constants.SupportedPlatforms() {
		for _, pattern := range table[string(p)] {
			out = append(out, hostRule{pattern: normalizePattern(pattern), platform: p})
		}
	}
	for name := range table {
		if !constants.Platform(name).IsSupported() {
			return nil, fmt.Errorf("classifier: unsupported platform %q in host table", name)
		}
	}
	return out, nil
}

func normalizePattern(p string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(p)), "www.")
}

// hostMatches reports whether host is pattern or a subdomain of it. A pattern ending in ".*"
// matches the name followed only by short TLD-like labels (airbnb.* matches airbnb.com.au).
func hostMatches(host, pattern string) bool {
	if name, ok := strings.CutSuffix(pattern, ".*"); ok {
		labels := strings.Split(host, ".")
		for i, l := range labels {
			if l != name || i == len(labels)-1 {
				continue
			}
			tld := true
			for _, rest := range labels[i+1:] {
				if len(rest) > 3 {
					tld = false
					break
				}
			}
			if tld {
				return true
			}
		}
		return false
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}
