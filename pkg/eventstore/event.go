package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/core/pkg/canonical"
)

// GenesisDomain is mixed with the node's public key to derive the binding
// prev_hash of the first event in the chain.
const GenesisDomain = "b1e55ed-genesis"

// Event is a single entry in the append-only, hash-chained journal.
type Event struct {
	EventID       uuid.UUID      `json:"event_id"`
	Seq           uint64         `json:"seq"`
	Ts            time.Time      `json:"ts"`
	Type          string         `json:"type"`
	SchemaVersion int            `json:"schema_version"`
	Source        string         `json:"source"`
	TraceID       string         `json:"trace_id,omitempty"`
	DedupeKey     string         `json:"dedupe_key,omitempty"`
	Payload       map[string]any `json:"payload"`
	PrevHash      string         `json:"prev_hash"`
	Hash          string         `json:"hash"`
	Signer        string         `json:"signer"`
	Signature     string         `json:"signature"`
}

// header is the portion of an Event that is hashed alongside the canonical
// payload. Hash and Signature are excluded: Hash is derived from everything
// else, and Signature is derived from Hash.
type header struct {
	EventID       uuid.UUID `json:"event_id"`
	Seq           uint64    `json:"seq"`
	Ts            time.Time `json:"ts"`
	Type          string    `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	Source        string    `json:"source"`
	TraceID       string    `json:"trace_id,omitempty"`
	DedupeKey     string    `json:"dedupe_key,omitempty"`
	PrevHash      string    `json:"prev_hash"`
}

// ComputeHash derives the event's hash from its header fields and canonical
// payload bytes: sha256(header_json || canonical_payload_json). It does not
// read or write e.Hash.
func (e *Event) ComputeHash() (string, error) {
	h := header{
		EventID:       e.EventID,
		Seq:           e.Seq,
		Ts:            e.Ts.UTC(),
		Type:          e.Type,
		SchemaVersion: e.SchemaVersion,
		Source:        e.Source,
		TraceID:       e.TraceID,
		DedupeKey:     e.DedupeKey,
		PrevHash:      e.PrevHash,
	}

	headerBytes, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("eventstore: marshal header: %w", err)
	}

	payloadBytes, err := canonical.Bytes(e.Payload)
	if err != nil {
		return "", fmt.Errorf("eventstore: canonicalize payload: %w", err)
	}

	sum := sha256.New()
	sum.Write(headerBytes)
	sum.Write(payloadBytes)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// GenesisPrevHash derives the prev_hash binding for the first event in the
// chain: sha256(GenesisDomain || public_key).
func GenesisPrevHash(publicKey []byte) string {
	sum := sha256.New()
	sum.Write([]byte(GenesisDomain))
	sum.Write(publicKey)
	return hex.EncodeToString(sum.Sum(nil))
}
