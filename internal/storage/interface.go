package storage

// Engine is the persistence surface the security pipeline depends on. The
// audit and rule stores only need point reads/writes, prefix scans and
// serializable read-modify-write transactions.
type Engine interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	Exists(key []byte) (bool, error)
	List(prefix []byte) (map[string][]byte, error)
	// Update runs fn against the current value of key inside a single
	// transaction and persists its result. A nil current value means the key
	// does not exist yet. Used for get-or-create and atomic counter updates.
	Update(key []byte, fn func(current []byte) ([]byte, error)) error
	Close() error
}
