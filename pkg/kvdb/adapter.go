// Package kvdb adapts cometbft-db's dbm.DB interface to the eventstore.KV
// contract. cometbft-db is used here purely as an embedded KV storage
// engine (goleveldb backend), never as the CometBFT consensus engine.
package kvdb

import (
	"fmt"
	"path/filepath"

	dbm "github.com/cometbft/cometbft-db"
)

// Open opens (or creates) a goleveldb-backed cometbft-db database rooted at
// dir, named name, and returns it wrapped in a KVAdapter.
func Open(dir, name string) (*KVAdapter, error) {
	db, err := dbm.NewGoLevelDB(name, filepath.Clean(dir))
	if err != nil {
		return nil, fmt.Errorf("kvdb: open goleveldb database %q: %w", name, err)
	}
	return NewKVAdapter(db), nil
}

// KVAdapter wraps a cometbft-db dbm.DB and exposes the eventstore.KV
// interface, letting the journal use cometbft-db's persistent storage
// directly.
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter creates a new KVAdapter for the given underlying DB.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get implements eventstore.KV.Get. A nil, nil result means the key is not
// present; the journal treats that as "not present", not an error.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}

	if v, err := a.db.Get(key); err != nil {
		return nil, err
	} else {
		return v, nil
	}
}

// Set implements eventstore.KV.Set.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}

	// Use SetSync for durable writes at commit time
	if err := a.db.SetSync(key, value); err != nil {
		return err
	}
	return nil
}