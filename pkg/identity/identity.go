// Package identity manages the node's Ed25519 signing key: generation,
// passphrase-sealed storage on disk, and the Sign/Verify operations the
// event store uses to authenticate every appended event.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/b1e55ed/core/pkg/coreerrors"
)

// Domain is the fixed domain-separation string mixed into every signature so
// a signature produced for this system can never be replayed as valid input
// to an unrelated Ed25519 verifier.
const Domain = "B1E55ED_EVENT_V1"

// Identity holds a loaded Ed25519 key pair and produces domain-separated
// signatures over event hashes.
type Identity struct {
	mu         sync.RWMutex
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// New wraps an already-loaded Ed25519 private key.
func New(priv ed25519.PrivateKey) (*Identity, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: invalid private key size: expected %d, got %d",
			ed25519.PrivateKeySize, len(priv))
	}
	return &Identity{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Generate creates a fresh random Ed25519 key pair.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key pair: %w", err)
	}
	return &Identity{privateKey: priv, publicKey: pub}, nil
}

// PublicKey returns a copy of the public key.
func (id *Identity) PublicKey() ed25519.PublicKey {
	id.mu.RLock()
	defer id.mu.RUnlock()
	out := make(ed25519.PublicKey, len(id.publicKey))
	copy(out, id.publicKey)
	return out
}

// Sign signs a 32-byte event hash under the fixed domain separator and
// returns the raw Ed25519 signature.
func (id *Identity) Sign(eventHash []byte) []byte {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return ed25519.Sign(id.privateKey, domainMessage(eventHash))
}

// TrySign is the non-blocking counterpart to Sign: it never signs with
// zeroized key material. A writer that has called Zeroize (process
// shutdown, key rotation in progress) cannot produce a valid signature, so
// TrySign reports that explicitly instead of returning a signature an
// attacker or a stale goroutine could mistake for real.
func (id *Identity) TrySign(eventHash []byte) ([]byte, error) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if isZero(id.privateKey) {
		return nil, fmt.Errorf("identity: %w: signing key has been zeroized", coreerrors.ErrSignerUnavailable)
	}
	return ed25519.Sign(id.privateKey, domainMessage(eventHash)), nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// NodeID derives a stable identifier for this node from its public key. It
// is deterministic so the same key always yields the same node_id across
// restarts, without requiring a separately persisted value.
func (id *Identity) NodeID() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	sum := sha256.Sum256(id.publicKey)
	return hex.EncodeToString(sum[:8])
}

// Verify checks a signature produced by Sign against the given public key
// and event hash.
func Verify(publicKey ed25519.PublicKey, eventHash, signature []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("identity: %w: invalid public key size", coreerrors.ErrInvalidSignature)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("identity: %w: invalid signature size", coreerrors.ErrInvalidSignature)
	}
	if !ed25519.Verify(publicKey, domainMessage(eventHash), signature) {
		return coreerrors.ErrInvalidSignature
	}
	return nil
}

func domainMessage(eventHash []byte) []byte {
	msg := make([]byte, 0, len(Domain)+len(eventHash))
	msg = append(msg, []byte(Domain)...)
	msg = append(msg, eventHash...)
	return msg
}

// Zeroize overwrites the private key material in place. Call once the
// identity is no longer needed (process shutdown, key rotation).
func (id *Identity) Zeroize() {
	id.mu.Lock()
	defer id.mu.Unlock()
	for i := range id.privateKey {
		id.privateKey[i] = 0
	}
}

// Load reads an identity from keyPath, unsealing it with passphrase unless
// devInsecure is set, in which case the file is read as a raw 64-byte
// Ed25519 private key with no encryption at all. devInsecure must never be
// set outside local development.
func Load(keyPath string, passphrase []byte, devInsecure bool) (*Identity, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("identity: read key file: %w", err)
	}

	if devInsecure {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("identity: dev-mode key file has wrong size: expected %d, got %d",
				ed25519.PrivateKeySize, len(data))
		}
		return New(ed25519.PrivateKey(data))
	}

	priv, err := Unseal(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("identity: unseal key file: %w", err)
	}
	return New(priv)
}

// GenerateAndSave creates a new identity and persists it to keyPath, sealed
// under passphrase unless devInsecure is set.
func GenerateAndSave(keyPath string, passphrase []byte, devInsecure bool) (*Identity, error) {
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(keyPath, passphrase, devInsecure); err != nil {
		return nil, err
	}
	return id, nil
}

// Save persists the identity's private key to keyPath, sealed under
// passphrase unless devInsecure is set.
func (id *Identity) Save(keyPath string, passphrase []byte, devInsecure bool) error {
	id.mu.RLock()
	priv := make(ed25519.PrivateKey, len(id.privateKey))
	copy(priv, id.privateKey)
	id.mu.RUnlock()

	dir := filepath.Dir(keyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("identity: create key directory: %w", err)
	}

	var out []byte
	if devInsecure {
		out = []byte(priv)
	} else {
		sealed, err := Seal(priv, passphrase)
		if err != nil {
			return fmt.Errorf("identity: seal key: %w", err)
		}
		out = sealed
	}

	if err := os.WriteFile(keyPath, out, 0600); err != nil {
		return fmt.Errorf("identity: write key file: %w", err)
	}
	return nil
}
