package eventstore

// KV is the minimal key-value contract the journal needs from its storage
// engine. cometbft-db's dbm.DB satisfies this directly through kvdb.Adapter.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}
