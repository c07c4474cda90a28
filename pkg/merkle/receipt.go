package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CheckpointProof is a portable Merkle proof tying a single event hash to a
// checkpoint's root, independently re-verifiable without trusting the node
// that produced it.
//
// Verification invariants (fail-closed):
//  1. Start must be exactly 32 bytes
//  2. Anchor must be exactly 32 bytes
//  3. Each Entry.Hash must be exactly 32 bytes
//  4. Merkle recomputation from Start through Entries must equal Anchor
type CheckpointProof struct {
	// Start is the leaf hash being proven (32 bytes, hex-encoded): the
	// event's own hash.
	Start string `json:"start"`

	// Anchor is the checkpoint's Merkle root (32 bytes, hex-encoded).
	Anchor string `json:"anchor"`

	// CheckpointSeq is the Seq of the checkpoint this proof anchors to: the
	// last event seq of its window, not the seq of the checkpoint event.
	CheckpointSeq uint64 `json:"checkpoint_seq"`

	// Entries is the Merkle path from Start to Anchor.
	Entries []ReceiptEntry `json:"entries"`
}

// ReceiptEntry represents a single step in the Merkle proof path.
type ReceiptEntry struct {
	// Hash is the sibling hash at this level (32 bytes, hex-encoded).
	Hash string `json:"hash"`

	// Right indicates the position of the sibling:
	// - true: sibling is on the right, compute SHA256(current || sibling)
	// - false: sibling is on the left, compute SHA256(sibling || current)
	Right bool `json:"right"`
}

// Validate verifies the proof structure and Merkle recomputation.
// Fail-closed: returns nil only if every invariant holds.
func (r *CheckpointProof) Validate() error {
	startHex, err := mustHex32Lower(r.Start, "proof.start")
	if err != nil {
		return err
	}
	anchorHex, err := mustHex32Lower(r.Anchor, "proof.anchor")
	if err != nil {
		return err
	}

	start, _ := hex.DecodeString(startHex)
	anchor, _ := hex.DecodeString(anchorHex)

	current := start
	for i, entry := range r.Entries {
		entryHex, err := mustHex32Lower(entry.Hash, fmt.Sprintf("proof.entries[%d].hash", i))
		if err != nil {
			return err
		}
		sibling, _ := hex.DecodeString(entryHex)

		if entry.Right {
			current = receiptHashPair(current, sibling)
		} else {
			current = receiptHashPair(sibling, current)
		}
	}

	if !bytes.Equal(current, anchor) {
		return fmt.Errorf("merkle recomputation mismatch: computed=%x, expected=%x", current, anchor)
	}
	return nil
}

// ComputeRoot recomputes the Merkle root from Start through Entries without
// comparing it to Anchor. Callers that need the fail-closed guarantee should
// use Validate instead.
func (r *CheckpointProof) ComputeRoot() ([32]byte, error) {
	startHex, err := mustHex32Lower(r.Start, "proof.start")
	if err != nil {
		return [32]byte{}, err
	}
	start, _ := hex.DecodeString(startHex)

	current := start
	for i, entry := range r.Entries {
		entryHex, err := mustHex32Lower(entry.Hash, fmt.Sprintf("proof.entries[%d].hash", i))
		if err != nil {
			return [32]byte{}, err
		}
		sibling, _ := hex.DecodeString(entryHex)

		if entry.Right {
			current = receiptHashPair(current, sibling)
		} else {
			current = receiptHashPair(sibling, current)
		}
	}

	var result [32]byte
	copy(result[:], current)
	return result, nil
}

func (r *CheckpointProof) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

func CheckpointProofFromJSON(data []byte) (*CheckpointProof, error) {
	var r CheckpointProof
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// receiptHashPair computes SHA256(left || right).
func receiptHashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// mustHex32Lower validates that a hex string is exactly 32 bytes (64 hex
// chars) and returns it.
func mustHex32Lower(s string, label string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%s: empty", label)
	}
	if len(s) != 64 {
		return "", fmt.Errorf("%s: expected 64 hex chars (32 bytes), got len=%d", label, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%s: invalid hex: %w", label, err)
	}
	return s, nil
}

// ProofFromTree builds a CheckpointProof for the leaf at leafIndex within
// tree, anchored to the given checkpoint seq.
func ProofFromTree(tree *Tree, leafIndex int, checkpointSeq uint64) (*CheckpointProof, error) {
	inclusion, err := tree.GenerateProof(leafIndex)
	if err != nil {
		return nil, err
	}

	entries := make([]ReceiptEntry, len(inclusion.Path))
	for i, node := range inclusion.Path {
		entries[i] = ReceiptEntry{
			Hash:  node.Hash,
			Right: node.Position == Right,
		}
	}

	return &CheckpointProof{
		Start:         inclusion.LeafHash,
		Anchor:        inclusion.MerkleRoot,
		CheckpointSeq: checkpointSeq,
		Entries:       entries,
	}, nil
}
