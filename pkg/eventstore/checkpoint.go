package eventstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/b1e55ed/core/pkg/coreerrors"
	"github.com/b1e55ed/core/pkg/identity"
	"github.com/b1e55ed/core/pkg/merkle"
)

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// maybeCheckpointLocked writes a checkpoint if the journal has crossed a
// CheckpointInterval boundary since the last one. The checkpoint is appended
// as a real signed system.checkpoint.v1 event in the journal itself (via
// appendLocked, not Append, since s.mu is already held here); the Checkpoint
// record persisted under checkpointKey afterward is a fast-lookup index
// pointing at that event, not an independent source of truth. Must be called
// with s.mu held.
func (s *Store) maybeCheckpointLocked() error {
	if s.meta.LatestSeq == 0 || s.meta.LatestSeq%s.checkpointInterval != 0 {
		return nil
	}

	windowStart := s.meta.LatestSeq - s.checkpointInterval + 1
	events, err := s.rangeLocked(windowStart, s.meta.LatestSeq)
	if err != nil {
		return fmt.Errorf("eventstore: checkpoint: load window: %w", err)
	}

	leaves := make([][]byte, len(events))
	for i, e := range events {
		h, err := hex.DecodeString(e.Hash)
		if err != nil {
			return fmt.Errorf("eventstore: checkpoint: decode hash at seq %d: %w", e.Seq, err)
		}
		leaves[i] = h
	}

	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return fmt.Errorf("eventstore: checkpoint: build tree: %w", err)
	}

	cp := Checkpoint{
		Seq:         s.meta.LatestSeq,
		WindowStart: windowStart,
		MerkleRoot:  tree.RootHex(),
		ChainHash:   s.meta.LatestHash,
		NodeID:      s.identity.NodeID(),
	}

	appended, err := s.appendLocked([]Event{{
		Type:          "system.checkpoint.v1",
		SchemaVersion: 1,
		Source:        "eventstore",
		Payload: map[string]any{
			"seq":          cp.Seq,
			"window_start": cp.WindowStart,
			"merkle_root":  cp.MerkleRoot,
			"chain_hash":   cp.ChainHash,
			"node_id":      cp.NodeID,
		},
	}})
	if err != nil {
		return fmt.Errorf("eventstore: checkpoint: append event: %w", err)
	}
	evt := appended[0]
	cp.EventSeq = evt.Seq
	cp.Signer = evt.Signer
	cp.Signature = evt.Signature
	cp.CreatedAt = evt.Ts

	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("eventstore: marshal checkpoint: %w", err)
	}
	return s.kv.Set(checkpointKey(cp.Seq), b)
}

// rangeLocked is Range without re-acquiring s.mu; callers must already hold
// it.
func (s *Store) rangeLocked(from, to uint64) ([]Event, error) {
	if to < from {
		return nil, nil
	}
	out := make([]Event, 0, to-from+1)
	for seq := from; seq <= to; seq++ {
		b, err := s.kv.Get(eventKey(seq))
		if err != nil {
			return nil, err
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("seq %d missing from journal", seq)
		}
		var e Event
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Checkpoint retrieves the checkpoint recorded at seq.
func (s *Store) Checkpoint(seq uint64) (Checkpoint, error) {
	b, err := s.kv.Get(checkpointKey(seq))
	if err != nil {
		return Checkpoint{}, fmt.Errorf("eventstore: get checkpoint %d: %w", seq, err)
	}
	if len(b) == 0 {
		return Checkpoint{}, fmt.Errorf("eventstore: no checkpoint at seq %d", seq)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("eventstore: unmarshal checkpoint %d: %w", seq, err)
	}
	return cp, nil
}

// LatestCheckpointAtOrBefore walks backward from seq in CheckpointInterval
// steps looking for the newest recorded checkpoint at or before seq.
func (s *Store) LatestCheckpointAtOrBefore(seq uint64) (Checkpoint, bool, error) {
	candidate := (seq / s.checkpointInterval) * s.checkpointInterval
	for candidate > 0 {
		cp, err := s.Checkpoint(candidate)
		if err == nil {
			return cp, true, nil
		}
		candidate -= s.checkpointInterval
	}
	return Checkpoint{}, false, nil
}

// InclusionProof builds a portable Merkle proof that the event at seq is
// included in the checkpoint window covering it, re-verifiable by a third
// party holding only the checkpoint's root without access to this store.
func (s *Store) InclusionProof(seq uint64) (*merkle.CheckpointProof, error) {
	cp, found, err := s.LatestCheckpointAtOrBefore(seq)
	if err != nil {
		return nil, err
	}
	if !found || seq < cp.WindowStart || seq > cp.Seq {
		return nil, fmt.Errorf("eventstore: %w: no checkpoint window covers seq %d", coreerrors.ErrChainBroken, seq)
	}

	events, err := s.Range(cp.WindowStart, cp.Seq)
	if err != nil {
		return nil, fmt.Errorf("eventstore: inclusion proof: load checkpoint window: %w", err)
	}

	leaves := make([][]byte, len(events))
	leafIndex := -1
	for i, e := range events {
		h, err := hex.DecodeString(e.Hash)
		if err != nil {
			return nil, fmt.Errorf("eventstore: inclusion proof: decode hash at seq %d: %w", e.Seq, err)
		}
		leaves[i] = h
		if e.Seq == seq {
			leafIndex = i
		}
	}
	if leafIndex < 0 {
		return nil, fmt.Errorf("eventstore: %w: seq %d missing from its own checkpoint window", coreerrors.ErrChainBroken, seq)
	}

	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("eventstore: inclusion proof: build tree: %w", err)
	}

	return merkle.ProofFromTree(tree, leafIndex, cp.Seq)
}

// VerifyFull recomputes the entire chain from genesis through the current
// head and confirms every event's hash, prev_hash linkage, and signature.
// This is the authoritative verification; FastVerify trades completeness
// for speed by leaning on checkpoints instead.
func (s *Store) VerifyFull() error {
	s.mu.Lock()
	latest := s.meta.LatestSeq
	pubKeyHex := s.meta.PublicKeyHex
	s.mu.Unlock()

	genesis, err := s.Get(0)
	if err != nil {
		return fmt.Errorf("eventstore: %w: genesis event: %v", coreerrors.ErrChainBroken, err)
	}
	if genesis.Type != "system.genesis.v1" {
		return fmt.Errorf("eventstore: %w: seq 0 is not a genesis event", coreerrors.ErrChainBroken)
	}
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("eventstore: %w: decode public key: %v", coreerrors.ErrChainBroken, err)
	}
	if genesis.PrevHash != GenesisPrevHash(pubKey) {
		return fmt.Errorf("eventstore: %w: genesis prev_hash does not bind to node public key", coreerrors.ErrChainBroken)
	}
	wantGenesisHash, err := genesis.ComputeHash()
	if err != nil {
		return fmt.Errorf("eventstore: %w: genesis event: %v", coreerrors.ErrChainBroken, err)
	}
	if wantGenesisHash != genesis.Hash {
		return fmt.Errorf("eventstore: %w: genesis hash mismatch", coreerrors.ErrChainBroken)
	}
	verifySig := func(e Event) error {
		sig, err := hex.DecodeString(e.Signature)
		if err != nil {
			return err
		}
		return identity.Verify(pubKey, []byte(e.Hash), sig)
	}
	if err := verifySig(genesis); err != nil {
		return fmt.Errorf("eventstore: %w: genesis signature: %v", coreerrors.ErrChainBroken, err)
	}

	prevHash := genesis.Hash
	for seq := uint64(1); seq <= latest; seq++ {
		e, err := s.Get(seq)
		if err != nil {
			return fmt.Errorf("eventstore: %w: seq %d: %v", coreerrors.ErrChainBroken, seq, err)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("eventstore: %w: seq %d prev_hash mismatch", coreerrors.ErrChainBroken, seq)
		}
		wantHash, err := e.ComputeHash()
		if err != nil {
			return fmt.Errorf("eventstore: %w: seq %d: %v", coreerrors.ErrChainBroken, seq, err)
		}
		if wantHash != e.Hash {
			return fmt.Errorf("eventstore: %w: seq %d hash mismatch", coreerrors.ErrChainBroken, seq)
		}
		if err := verifySig(e); err != nil {
			return fmt.Errorf("eventstore: %w: seq %d signature: %v", coreerrors.ErrChainBroken, seq, err)
		}
		prevHash = e.Hash
	}
	return nil
}

// FastVerify verifies the tail of the chain from the most recent checkpoint
// at or before seq through seq, using the checkpoint's Merkle root to stand
// in for replaying every event hash in between. It only returns success if
// at least one checkpoint exists between genesis and seq — with zero
// checkpoints in range there is nothing anchoring the tail to genesis, so a
// truncated or forked journal could still pass, and FastVerify refuses to
// claim success in that case.
func (s *Store) FastVerify(seq uint64) error {
	s.mu.Lock()
	latest := s.meta.LatestSeq
	s.mu.Unlock()

	if seq > latest {
		return fmt.Errorf("eventstore: seq %d exceeds latest seq %d", seq, latest)
	}

	cp, found, err := s.LatestCheckpointAtOrBefore(seq)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("eventstore: %w: no checkpoint exists at or before seq %d, fast-verify cannot anchor this window",
			coreerrors.ErrChainBroken, seq)
	}

	events, err := s.Range(cp.WindowStart, cp.Seq)
	if err != nil {
		return fmt.Errorf("eventstore: fast-verify: load checkpoint window: %w", err)
	}

	leaves := make([][]byte, len(events))
	prevHash := ""
	if cp.WindowStart > 1 {
		prior, err := s.Get(cp.WindowStart - 1)
		if err != nil {
			return fmt.Errorf("eventstore: fast-verify: load preceding event: %w", err)
		}
		prevHash = prior.Hash
	} else {
		prevHash = s.meta.GenesisHash
	}

	for i, e := range events {
		if e.PrevHash != prevHash {
			return fmt.Errorf("eventstore: %w: seq %d prev_hash mismatch", coreerrors.ErrChainBroken, e.Seq)
		}
		h, err := hex.DecodeString(e.Hash)
		if err != nil {
			return fmt.Errorf("eventstore: fast-verify: decode hash at seq %d: %w", e.Seq, err)
		}
		leaves[i] = h
		prevHash = e.Hash
	}
	if prevHash != cp.ChainHash {
		return fmt.Errorf("eventstore: %w: checkpoint chain_hash mismatch at seq %d", coreerrors.ErrChainBroken, cp.Seq)
	}

	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return fmt.Errorf("eventstore: fast-verify: build tree: %w", err)
	}
	if tree.RootHex() != cp.MerkleRoot {
		return fmt.Errorf("eventstore: %w: merkle root mismatch at checkpoint %d", coreerrors.ErrChainBroken, cp.Seq)
	}

	// Events after the checkpoint through seq are replayed directly: there
	// is no later checkpoint to lean on for them yet.
	if seq > cp.Seq {
		tail, err := s.Range(cp.Seq+1, seq)
		if err != nil {
			return fmt.Errorf("eventstore: fast-verify: load tail: %w", err)
		}
		for _, e := range tail {
			if e.PrevHash != prevHash {
				return fmt.Errorf("eventstore: %w: seq %d prev_hash mismatch", coreerrors.ErrChainBroken, e.Seq)
			}
			wantHash, err := e.ComputeHash()
			if err != nil {
				return fmt.Errorf("eventstore: %w: seq %d: %v", coreerrors.ErrChainBroken, e.Seq, err)
			}
			if wantHash != e.Hash {
				return fmt.Errorf("eventstore: %w: seq %d hash mismatch", coreerrors.ErrChainBroken, e.Seq)
			}
			prevHash = e.Hash
		}
	}

	return nil
}
