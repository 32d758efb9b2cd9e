package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies a finding's logical identity across runs:
// sha256 of the pipe-joined, trimmed, lower-cased title, tool, severity
// and technique. An absent technique is the empty string.
func Fingerprint(title, tool, severity, technique string) string {
	parts := []string{title, tool, severity, technique}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// ComputeFingerprint returns the fingerprint of f.
func (f *Finding) ComputeFingerprint() string {
	return Fingerprint(f.Title, f.ToolName, f.Severity, f.Technique)
}
