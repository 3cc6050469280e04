// Package taint classifies data sources by provenance trust.
//
// A session that reads from an untrusted source (an upload, a resume, a
// shared drop folder) is considered tainted: the flag latches and never
// clears for the lifetime of the session. Classification itself is pure;
// the latching state lives on the session store.
package taint

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Level is the trust classification of a source or session.
type Level int

const (
	// Green marks a trusted source or an untainted session.
	Green Level = iota
	// Red marks an untrusted source or a tainted session.
	Red
)

// String returns the string representation of the Level.
func (l Level) String() string {
	switch l {
	case Green:
		return "green"
	case Red:
		return "red"
	default:
		return "unknown"
	}
}

// Config holds the pattern lists used to classify sources.
// Patterns are regular expressions matched against the lowercased source.
type Config struct {
	// UntrustedPatterns mark a source Red. Checked first.
	UntrustedPatterns []string `yaml:"untrusted_patterns"`
	// TrustedPatterns mark a source Green. Checked second.
	TrustedPatterns []string `yaml:"trusted_patterns"`
	// DefaultTrust applies when no pattern matches: "green" or "red".
	DefaultTrust string `yaml:"default_trust"`
}

// DefaultConfig returns the built-in pattern set used when a scenario
// does not configure its own.
func DefaultConfig() Config {
	return Config{
		UntrustedPatterns: []string{"resume", "upload", "external", "/shared/", "attachment"},
		TrustedPatterns:   []string{"/private/", "/real/", "_conf_", "system", "internal"},
		DefaultTrust:      "green",
	}
}

// Classifier determines whether a data source is trusted or untrusted.
type Classifier struct {
	untrusted    []*regexp.Regexp
	trusted      []*regexp.Regexp
	defaultTrust Level
	logger       *slog.Logger
}

// NewClassifier compiles the configured pattern lists.
// An invalid pattern is a configuration error and fails construction.
func NewClassifier(cfg Config, logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}

	untrusted, err := compileAll(cfg.UntrustedPatterns)
	if err != nil {
		return nil, fmt.Errorf("untrusted patterns: %w", err)
	}
	trusted, err := compileAll(cfg.TrustedPatterns)
	if err != nil {
		return nil, fmt.Errorf("trusted patterns: %w", err)
	}

	defaultTrust := Green
	if strings.EqualFold(cfg.DefaultTrust, "red") {
		defaultTrust = Red
	}

	return &Classifier{
		untrusted:    untrusted,
		trusted:      trusted,
		defaultTrust: defaultTrust,
		logger:       logger,
	}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Classify returns the trust level of a source string.
// Untrusted patterns win over trusted patterns; ties fall to the default.
// Matching is case-insensitive (the source is lowercased first).
func (c *Classifier) Classify(source string) Level {
	lower := strings.ToLower(source)

	for _, re := range c.untrusted {
		if re.MatchString(lower) {
			return Red
		}
	}
	for _, re := range c.trusted {
		if re.MatchString(lower) {
			return Green
		}
	}
	return c.defaultTrust
}
