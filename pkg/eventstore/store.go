// Package eventstore implements the append-only, hash-chained event journal.
// Every event's hash commits to its header and canonical payload and to the
// previous event's hash, so any reordering, deletion, or tampering anywhere
// in the chain is detectable by recomputing hashes from genesis forward.
package eventstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/b1e55ed/core/pkg/coreerrors"
	"github.com/b1e55ed/core/pkg/identity"
)

var (
	keyMeta             = []byte("journal:meta")
	keyEventPrefix      = []byte("journal:event:")
	keyCheckpointPrefix = []byte("journal:checkpoint:")
	keyDedupePrefix     = []byte("journal:dedupe:")
)

func eventKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return append(append([]byte{}, keyEventPrefix...), b...)
}

func checkpointKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return append(append([]byte{}, keyCheckpointPrefix...), b...)
}

func dedupeKey(key string) []byte {
	return append(append([]byte{}, keyDedupePrefix...), []byte(key)...)
}

// Meta is the journal's persisted head-of-chain state.
type Meta struct {
	LatestSeq    uint64 `json:"latest_seq"`
	LatestHash   string `json:"latest_hash"`
	GenesisHash  string `json:"genesis_hash"`
	PublicKeyHex string `json:"public_key_hex"`
	EventCount   uint64 `json:"event_count"`
	Initialized  bool   `json:"initialized"`
}

// Checkpoint is a periodic signed anchor recorded every CheckpointInterval
// events, carrying the Merkle root over the window of events since the
// previous checkpoint so fast-verify can compare one root instead of
// replaying every event hash in the window. It mirrors the system.checkpoint.v1
// event that actually carries it in the journal; EventSeq, Signer, and
// Signature are copied from that event once appended, and this struct is
// kept in the side keyspace purely as a fast-lookup index into it.
type Checkpoint struct {
	Seq         uint64    `json:"seq"`
	WindowStart uint64    `json:"window_start"`
	MerkleRoot  string    `json:"merkle_root"`
	ChainHash   string    `json:"chain_hash"`
	NodeID      string    `json:"node_id"`
	EventSeq    uint64    `json:"event_seq"`
	Signer      string    `json:"signer"`
	Signature   string    `json:"signature"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the single-writer, append-only event journal.
type Store struct {
	mu sync.Mutex

	kv       KV
	identity *identity.Identity
	lease    *Lease

	checkpointInterval uint64
	meta               Meta
}

// Open loads (or initializes) the journal backed by kv, signing identity id,
// and bound to lease, which the caller has already acquired. The caller
// owns the Lease's lifecycle; Open does not acquire or release it.
func Open(kv KV, id *identity.Identity, lease *Lease, checkpointInterval uint64) (*Store, error) {
	if checkpointInterval == 0 {
		checkpointInterval = 1000
	}

	s := &Store{
		kv:                 kv,
		identity:           id,
		lease:              lease,
		checkpointInterval: checkpointInterval,
	}

	existing, err := s.loadMeta()
	if err != nil {
		return nil, err
	}

	pubHex := hexEncode(id.PublicKey())
	if existing.Initialized {
		if existing.PublicKeyHex != pubHex {
			return nil, fmt.Errorf("eventstore: %w: journal was initialized with a different signing key",
				coreerrors.ErrGenesisMismatch)
		}
		s.meta = existing
		return s, nil
	}

	genesis, err := s.writeGenesis(id)
	if err != nil {
		return nil, err
	}

	s.meta = Meta{
		GenesisHash:  genesis.Hash,
		PublicKeyHex: pubHex,
		LatestHash:   genesis.Hash,
		LatestSeq:    0,
		EventCount:   1,
		Initialized:  true,
	}
	if err := s.saveMeta(); err != nil {
		return nil, err
	}
	return s, nil
}

// writeGenesis builds, signs, and persists the chain-binding system.genesis.v1
// event at seq 0. Its prev_hash is derived from the node's public key alone
// (GenesisPrevHash), binding every event that follows to this node's
// identity before anything else is trusted. Genesis occupies seq 0 outside
// the normal seq-increment path in appendLocked; the first event appended
// through Append/AppendBatch still lands at seq 1.
func (s *Store) writeGenesis(id *identity.Identity) (Event, error) {
	pubHex := hexEncode(id.PublicKey())
	now := time.Now().UTC()

	evt := Event{
		EventID:       uuid.New(),
		Seq:           0,
		Ts:            now,
		Type:          "system.genesis.v1",
		SchemaVersion: 1,
		Source:        "eventstore",
		Payload: map[string]any{
			"public_key": pubHex,
			"node_id":    id.NodeID(),
			"created_at": now.Format(time.RFC3339Nano),
		},
		PrevHash: GenesisPrevHash(id.PublicKey()),
	}

	hash, err := evt.ComputeHash()
	if err != nil {
		return Event{}, fmt.Errorf("eventstore: compute genesis hash: %w", err)
	}
	evt.Hash = hash
	evt.Signer = pubHex
	evt.Signature = hexEncode(id.Sign([]byte(hash)))

	b, err := json.Marshal(evt)
	if err != nil {
		return Event{}, fmt.Errorf("eventstore: marshal genesis event: %w", err)
	}
	if err := s.kv.Set(eventKey(0), b); err != nil {
		return Event{}, fmt.Errorf("eventstore: persist genesis event: %w", err)
	}
	return evt, nil
}

func (s *Store) loadMeta() (Meta, error) {
	b, err := s.kv.Get(keyMeta)
	if err != nil {
		return Meta{}, fmt.Errorf("eventstore: load meta: %w", err)
	}
	if len(b) == 0 {
		return Meta{}, nil
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, fmt.Errorf("eventstore: unmarshal meta: %w", err)
	}
	return m, nil
}

func (s *Store) saveMeta() error {
	b, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("eventstore: marshal meta: %w", err)
	}
	return s.kv.Set(keyMeta, b)
}

// LatestSeq returns the seq of the most recently appended event (0 before
// any event has been appended).
func (s *Store) LatestSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.LatestSeq
}

// Append appends a single event, assigning it the next seq and chaining it
// to the current head. type, schemaVersion, source, and payload must be set
// on evt; EventID, Seq, Ts, PrevHash, Hash, Signer, and Signature are
// overwritten.
func (s *Store) Append(evt Event) (Event, error) {
	out, err := s.AppendBatch([]Event{evt})
	if err != nil {
		return Event{}, err
	}
	return out[0], nil
}

// AppendBatch appends all of evts atomically: either every event is
// assigned a seq and persisted, or none are. Seq assignment is gap-free and
// strictly increasing within the batch and across the whole journal.
func (s *Store) AppendBatch(evts []Event) ([]Event, error) {
	if len(evts) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkDedupeLocked(evts); err != nil {
		return nil, err
	}

	built, err := s.appendLocked(evts)
	if err != nil {
		return nil, err
	}

	if err := s.maybeCheckpointLocked(); err != nil {
		return nil, err
	}

	return built, nil
}

// checkDedupeLocked rejects evts if any dedupe key repeats within the batch
// or collides with one already committed. Must be called with s.mu held, and
// before any mutation, so a collision aborts the whole batch cleanly.
func (s *Store) checkDedupeLocked(evts []Event) error {
	seen := make(map[string]bool, len(evts))
	for _, e := range evts {
		if e.DedupeKey == "" {
			continue
		}
		if seen[e.DedupeKey] {
			return fmt.Errorf("eventstore: %w: %q repeated within batch", coreerrors.ErrDuplicateDedupeKey, e.DedupeKey)
		}
		seen[e.DedupeKey] = true

		existing, err := s.kv.Get(dedupeKey(e.DedupeKey))
		if err != nil {
			return fmt.Errorf("eventstore: check dedupe key: %w", err)
		}
		if len(existing) > 0 {
			return fmt.Errorf("eventstore: %w: %q", coreerrors.ErrDuplicateDedupeKey, e.DedupeKey)
		}
	}
	return nil
}

// appendLocked assigns seqs, hashes, signs, and persists evts, advancing
// meta. Must be called with s.mu held. It does not check dedupe keys and
// does not trigger a checkpoint itself, so maybeCheckpointLocked can call it
// directly to append a checkpoint event without re-entering checkpoint
// logic or deadlocking on s.mu.
func (s *Store) appendLocked(evts []Event) ([]Event, error) {
	prevHash := s.meta.LatestHash
	nextSeq := s.meta.LatestSeq
	now := time.Now().UTC()

	built := make([]Event, len(evts))
	for i, e := range evts {
		nextSeq++
		e.EventID = uuid.New()
		e.Seq = nextSeq
		if e.Ts.IsZero() {
			e.Ts = now
		}
		e.PrevHash = prevHash

		hash, err := e.ComputeHash()
		if err != nil {
			return nil, fmt.Errorf("eventstore: compute hash for seq %d: %w", nextSeq, err)
		}
		e.Hash = hash
		e.Signer = hexEncode(s.identity.PublicKey())
		e.Signature = hexEncode(s.identity.Sign([]byte(hash)))

		built[i] = e
		prevHash = hash
	}

	// Persist: write every event row, then advance meta last so a crash
	// mid-batch leaves meta pointing at the last fully-durable event.
	for _, e := range built {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("eventstore: marshal event seq %d: %w", e.Seq, err)
		}
		if err := s.kv.Set(eventKey(e.Seq), b); err != nil {
			return nil, fmt.Errorf("eventstore: %w: persist event seq %d: %v", coreerrors.ErrConflict, e.Seq, err)
		}
		if e.DedupeKey != "" {
			if err := s.kv.Set(dedupeKey(e.DedupeKey), []byte{1}); err != nil {
				return nil, fmt.Errorf("eventstore: persist dedupe key: %w", err)
			}
		}
	}

	s.meta.LatestSeq = built[len(built)-1].Seq
	s.meta.LatestHash = built[len(built)-1].Hash
	s.meta.EventCount += uint64(len(built))
	if err := s.saveMeta(); err != nil {
		return nil, err
	}

	return built, nil
}

// GenesisTime returns the timestamp recorded on the chain-binding genesis
// event, used to measure the journal's age for cadence decisions such as
// cold-start/warm-period weight adjustment gating.
func (s *Store) GenesisTime() (time.Time, error) {
	evt, err := s.Get(0)
	if err != nil {
		return time.Time{}, fmt.Errorf("eventstore: genesis time: %w", err)
	}
	return evt.Ts, nil
}

// Get retrieves the event at seq.
func (s *Store) Get(seq uint64) (Event, error) {
	b, err := s.kv.Get(eventKey(seq))
	if err != nil {
		return Event{}, fmt.Errorf("eventstore: get seq %d: %w", seq, err)
	}
	if len(b) == 0 {
		return Event{}, fmt.Errorf("eventstore: seq %d not found", seq)
	}
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("eventstore: unmarshal seq %d: %w", seq, err)
	}
	return e, nil
}

// Range retrieves events [from, to] inclusive.
func (s *Store) Range(from, to uint64) ([]Event, error) {
	if to < from {
		return nil, nil
	}
	out := make([]Event, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		e, err := s.Get(seq)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
