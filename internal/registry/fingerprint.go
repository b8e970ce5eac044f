package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidParams reports submission params that are not valid JSON.
var ErrInvalidParams = errors.New("params are not valid JSON")

// Fingerprint derives the deduplication fingerprint for a submission:
// SHA-256 over tenant id, job type and the canonicalized params.
// Equivalent submissions always hash identically; the fingerprint is
// exact-match only, a changed parameter is a different job.
func Fingerprint(tenantID, jobType string, params json.RawMessage) (string, error) {
	canonical, err := canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("canonicalizing params: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(jobType))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalize re-encodes the params so key order never affects the hash.
// encoding/json sorts map keys on marshal, at every nesting level, so a
// decode/encode round trip is a stable canonical form.
func canonicalize(params json.RawMessage) ([]byte, error) {
	if len(params) == 0 {
		return []byte("null"), nil
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return json.Marshal(v)
}
