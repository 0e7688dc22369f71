package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// IntegrityHash returns a stable SHA-256 over a sorted-key JSON encoding of
// the payload fields. encoding/json serializes map keys in sorted order, so
// identical payloads always hash identically regardless of field order at the
// call site.
func IntegrityHash(p MergedPayload) string {
	fields := map[string]any{
		"classification_reason": p.ClassificationReason,
		"confidence_score":      fmt.Sprintf("%.2f", p.ConfidenceScore),
		"content":               p.Content,
		"entities":              strings.Join(p.Entities, ","),
		"keywords":              strings.Join(p.Keywords, ","),
		"summary":               p.Summary,
		"topic":                 p.Topic,
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		// Marshalling a map of strings never fails; keep the signature simple.
		raw = []byte(p.Content)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// recordIntegrityHash hashes a record's mergeable fields prior to mutation so
// each consolidated duplicate carries a verifiable pre-merge fingerprint.
func recordIntegrityHash(content, summary, topic, reason string, entities, keywords []string, confidence float64) string {
	return IntegrityHash(MergedPayload{
		Content:              content,
		Summary:              summary,
		Topic:                topic,
		ClassificationReason: reason,
		Entities:             entities,
		Keywords:             keywords,
		ConfidenceScore:      confidence,
	})
}
