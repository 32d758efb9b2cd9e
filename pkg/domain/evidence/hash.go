// Package evidence implements the tamper-evident hash chain over findings.
//
// Each finding's hash covers its evidence, run, tool and the hash of the
// finding recorded just before it in the same run. Changing, removing or
// inserting a finding therefore invalidates every hash after it.
package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/openctemio/orchestrator/pkg/domain/shared"
)

// GenesisHash stands in for the previous hash of a run's first finding.
const GenesisHash = "genesis"

// Canonicalize re-encodes raw JSON with object keys sorted at every depth and
// numbers kept as written. Empty input canonicalizes to null.
func Canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}
	v, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return encode(v)
}

// ComputeHash returns the hex SHA-256 of the canonical form of
// {evidence, previous_hash, run_id, tool_name}. An empty previousHash is
// replaced by GenesisHash.
func ComputeHash(evidence json.RawMessage, runID shared.ID, toolName, previousHash string) (string, error) {
	var ev any
	if len(bytes.TrimSpace(evidence)) > 0 {
		var err error
		if ev, err = decode(evidence); err != nil {
			return "", err
		}
	}
	if previousHash == "" {
		previousHash = GenesisHash
	}
	payload, err := encode(map[string]any{
		"evidence":      ev,
		"previous_hash": previousHash,
		"run_id":        runID.String(),
		"tool_name":     toolName,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func decode(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: evidence is not valid JSON: %v", shared.ErrValidation, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: evidence has trailing data", shared.ErrValidation)
	}
	return v, nil
}

// encode relies on encoding/json sorting map keys.
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
