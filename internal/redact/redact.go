// Package redact scrubs secrets from structured values and free-form text
// before they are persisted or leave the trust boundary, and computes
// canonical content hashes over the scrubbed result.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Redacted is the replacement marker for scrubbed values.
const Redacted = "[REDACTED]"

// HashScheme names the canonical hashing scheme stored alongside every
// hash so the format can evolve without ambiguity.
const HashScheme = "sha256:cjson:v1"

// DefaultMaxDepth caps recursion into nested values; anything deeper is
// replaced wholesale.
const DefaultMaxDepth = 5

// sensitiveFields are matched case- and underscore-insensitively against
// field names.
var sensitiveFields = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"authorization",
}

// Options control a redaction pass.
type Options struct {
	// ExtraFields extends the built-in sensitive field name set.
	ExtraFields []string
	// Allowlist exempts field names from redaction.
	Allowlist []string
	// MaxDepth caps recursion; zero means DefaultMaxDepth.
	MaxDepth int
}

// Result is the outcome of redacting a structured value.
type Result struct {
	// Canonical is the canonical JSON encoding of the redacted value
	// (object keys sorted).
	Canonical string
	// RemovedPaths lists the dotted paths of fields that were scrubbed.
	RemovedPaths []string
	// SecretsDetected is true when anything was scrubbed.
	SecretsDetected bool
	// Hash is "<scheme>:<hex>" over Canonical.
	Hash string
}

func normalizeField(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "")
}

type redactor struct {
	fields   map[string]bool
	allow    map[string]bool
	maxDepth int
	removed  []string
	detected bool
}

func newRedactor(opts Options) *redactor {
	r := &redactor{
		fields:   make(map[string]bool),
		allow:    make(map[string]bool),
		maxDepth: opts.MaxDepth,
	}
	if r.maxDepth <= 0 {
		r.maxDepth = DefaultMaxDepth
	}
	for _, f := range sensitiveFields {
		r.fields[normalizeField(f)] = true
	}
	for _, f := range opts.ExtraFields {
		r.fields[normalizeField(f)] = true
	}
	for _, f := range opts.Allowlist {
		r.allow[normalizeField(f)] = true
	}
	return r
}

// Value redacts an arbitrary nested map/array/scalar value and returns the
// canonical JSON form, removed paths, detection flag, and content hash.
func Value(v any, opts Options) (Result, error) {
	r := newRedactor(opts)
	cleaned := r.walk(v, "", 0)

	canonical, err := CanonicalJSON(cleaned)
	if err != nil {
		return Result{}, fmt.Errorf("canonicalize: %w", err)
	}
	sort.Strings(r.removed)
	return Result{
		Canonical:       canonical,
		RemovedPaths:    r.removed,
		SecretsDetected: r.detected,
		Hash:            Hash(canonical),
	}, nil
}

func (r *redactor) walk(v any, path string, depth int) any {
	if depth > r.maxDepth {
		r.detected = true
		r.removed = append(r.removed, path)
		return Redacted
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			norm := normalizeField(k)
			if r.fields[norm] && !r.allow[norm] {
				r.detected = true
				r.removed = append(r.removed, childPath)
				out[k] = Redacted
				continue
			}
			out[k] = r.walk(child, childPath, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = r.walk(child, fmt.Sprintf("%s[%d]", path, i), depth+1)
		}
		return out
	case string:
		if MatchesSecretPattern(val) {
			r.detected = true
			r.removed = append(r.removed, path)
			return Redacted
		}
		return val
	default:
		return v
	}
}

// Line returns the input string unchanged unless it matches a secret
// pattern, in which case the whole line is replaced.
func Line(s string) string {
	if MatchesSecretPattern(s) {
		return Redacted
	}
	return s
}

// Text scrubs free-form text: PEM blocks are matched across the whole
// string first, then each line is scanned individually.
func Text(s string) string {
	s = redactPEMBlocks(s)
	lines := strings.Split(s, "\n")
	changed := false
	for i, line := range lines {
		if MatchesSecretPattern(line) {
			lines[i] = Redacted
			changed = true
		}
	}
	if !changed {
		return s
	}
	return strings.Join(lines, "\n")
}

// CanonicalJSON encodes v as JSON with object keys sorted at every level.
func CanonicalJSON(v any) (string, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, v); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, val[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sb.Write(b)
		return nil
	}
}

// Hash returns "<scheme>:<hex sha256>" over the canonical string.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return HashScheme + ":" + hex.EncodeToString(sum[:])
}

// HashValue canonicalizes and hashes an arbitrary value without redaction.
func HashValue(v any) (string, error) {
	canonical, err := CanonicalJSON(normalizeForJSON(v))
	if err != nil {
		return "", err
	}
	return Hash(canonical), nil
}

// normalizeForJSON round-trips v through encoding/json so struct values
// hash identically to their map form.
func normalizeForJSON(v any) any {
	switch v.(type) {
	case map[string]any, []any, string, float64, bool, nil:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
