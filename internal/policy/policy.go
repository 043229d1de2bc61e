package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/payloghq/ratelimitd/internal/xerrors"
)

//go:embed default.json
var seedJSON []byte

// limiter names are path segments in the decision API, keep them boring
var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// LimiterConfig declares one named limiter.
type LimiterConfig struct {
	// WindowMs is the counting window in milliseconds
	WindowMs int64 `json:"window_ms"`

	// MaxTrackedTokens bounds the in-memory token table
	MaxTrackedTokens int `json:"max_tracked_tokens"`

	// DefaultLimit is the per-window allowance applied when a check names none
	DefaultLimit int `json:"default_limit"`
}

// Window returns the counting window as a duration
func (c LimiterConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// Document is a full policy: every named limiter this service runs.
type Document struct {
	Version  string                   `json:"version"`
	Limiters map[string]LimiterConfig `json:"limiters"`
}

// Parse decodes and validates a policy document
func Parse(data []byte) (Document, error) {
	var d Document
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return Document{}, xerrors.Wrap(err, "decode policy document")
	}
	if err := d.Validate(); err != nil {
		return Document{}, err
	}
	return d, nil
}

// Validate checks the document is complete and internally sane.
// All problems are reported at once, not just the first.
func (d Document) Validate() error {
	var errs []error

	if d.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if len(d.Limiters) == 0 {
		errs = append(errs, errors.New("at least one limiter is required"))
	}

	for name, c := range d.Limiters {
		if !nameRe.MatchString(name) {
			errs = append(errs, fmt.Errorf("limiter name %q must match %s", name, nameRe.String()))
		}
		if c.WindowMs <= 0 {
			errs = append(errs, fmt.Errorf("limiter %q: window_ms must be positive, got %d", name, c.WindowMs))
		}
		if c.MaxTrackedTokens <= 0 {
			errs = append(errs, fmt.Errorf("limiter %q: max_tracked_tokens must be positive, got %d", name, c.MaxTrackedTokens))
		}
		if c.DefaultLimit < 0 {
			errs = append(errs, fmt.Errorf("limiter %q: default_limit must not be negative, got %d", name, c.DefaultLimit))
		}
	}

	if len(errs) > 0 {
		return xerrors.WithStack(errors.Join(errs...))
	}
	return nil
}

// Default returns the embedded seed policy. The login and password-reset
// limiters ship here so a fresh instance can answer checks before any remote
// policy has been fetched.
func Default() Document {
	d, err := Parse(seedJSON)
	if err != nil {
		// the seed is compiled in and covered by tests, this cannot happen
		// outside a broken build
		panic("policy: embedded default.json is invalid: " + err.Error())
	}
	return d
}
