// Package gate is the trust boundary between a node's raw local data and the
// network. Everything leaving a node passes through Sanitize; on any failure
// the gate fails closed and nothing leaves at all.
package gate

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// SanitizedPayload is the only shape allowed to cross the trust boundary.
// Fields are model-extracted summaries, never verbatim source text.
type SanitizedPayload struct {
	Condition string `json:"condition"`
	Treatment string `json:"treatment"`
	Outcome   string `json:"outcome"`
	Notes     string `json:"notes,omitempty"`
}

// Validate enforces the fixed schema: the three core fields are required.
func (p *SanitizedPayload) Validate() error {
	if strings.TrimSpace(p.Condition) == "" {
		return fmt.Errorf("condition is empty")
	}
	if strings.TrimSpace(p.Treatment) == "" {
		return fmt.Errorf("treatment is empty")
	}
	if strings.TrimSpace(p.Outcome) == "" {
		return fmt.Errorf("outcome is empty")
	}
	return nil
}

// DecodePayload strictly parses a payload, rejecting unknown fields and
// trailing data, then validates it.
func DecodePayload(data []byte) (*SanitizedPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p SanitizedPayload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after payload")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &p, nil
}

// SanitizationError reports a failed sanitization attempt. The raw candidate
// never rides along on the error.
type SanitizationError struct {
	Stage string // generate, decode, leak
	Cause error
}

func (e *SanitizationError) Error() string {
	return fmt.Sprintf("sanitization failed at %s: %v", e.Stage, e.Cause)
}

func (e *SanitizationError) Unwrap() error { return e.Cause }

// Generator is the model capability the gate routes through. Any backend
// that can produce text from a prompt qualifies.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config tunes the gate.
type Config struct {
	// MaxRawBytes bounds how much raw candidate text is embedded in the
	// prompt. Zero means the default.
	MaxRawBytes int `yaml:"max_raw_bytes"`

	// Timeout is the model-call budget. It may be longer than the polling
	// timeout; expiry is a SanitizationError, not a crash.
	Timeout time.Duration `yaml:"timeout"`
}

const (
	defaultMaxRawBytes = 16 * 1024
	defaultTimeout     = 60 * time.Second
)

// Gate performs generative sanitization.
type Gate struct {
	gen    Generator
	cfg    Config
	logger *slog.Logger
}

// New creates a gate around a generator.
func New(gen Generator, cfg Config, logger *slog.Logger) *Gate {
	if cfg.MaxRawBytes <= 0 {
		cfg.MaxRawBytes = defaultMaxRawBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Gate{
		gen:    gen,
		cfg:    cfg,
		logger: logger.With("component", "gate"),
	}
}

// Sanitize turns a raw retrieval candidate into a schema-validated payload.
// On any failure it returns a *SanitizationError and no payload; it never
// falls back to returning raw text. Logs carry a fingerprint of the raw
// candidate, never the candidate itself.
func (g *Gate) Sanitize(ctx context.Context, rawText, queryContext string) (*SanitizedPayload, error) {
	raw := strings.TrimSpace(rawText)
	if raw == "" {
		return nil, &SanitizationError{Stage: "generate", Cause: fmt.Errorf("raw candidate is empty")}
	}
	if len(raw) > g.cfg.MaxRawBytes {
		// Back off to a rune boundary so the cap never splits a
		// multi-byte character.
		cut := g.cfg.MaxRawBytes
		for cut > 0 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		raw = raw[:cut]
	}

	fp := fingerprint(raw)
	logger := g.logger.With("raw_fp", fp)

	gctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	out, err := g.gen.Generate(gctx, buildPrompt(raw, queryContext))
	if err != nil {
		logger.Warn("generator call failed", "error", err)
		return nil, &SanitizationError{Stage: "generate", Cause: err}
	}

	payload, err := DecodePayload([]byte(extractJSON(out)))
	if err != nil {
		logger.Warn("model output failed schema validation", "error", err)
		return nil, &SanitizationError{Stage: "decode", Cause: err}
	}

	if leaks(payload, raw) {
		logger.Error("sanitized payload contained raw candidate text")
		return nil, &SanitizationError{Stage: "leak", Cause: fmt.Errorf("payload contains raw candidate text")}
	}

	logger.Debug("candidate sanitized")
	return payload, nil
}

// leaks reports whether any payload field reproduces the raw candidate, in
// whole or line by line.
func leaks(p *SanitizedPayload, raw string) bool {
	fields := []string{p.Condition, p.Treatment, p.Outcome, p.Notes}
	probes := []string{raw}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		// Short fragments collide with legitimate paraphrase.
		if len(line) >= 24 {
			probes = append(probes, line)
		}
	}
	for _, f := range fields {
		for _, probe := range probes {
			if strings.Contains(f, probe) {
				return true
			}
		}
	}
	return false
}

// extractJSON strips markdown code fences some models wrap around output.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// fingerprint returns a short blake3 digest used to correlate audit log
// lines without ever logging source text.
func fingerprint(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:8])
}
