package persistence

// Persistence bundles the transaction log and the per-transaction locker so
// the engine can depend on a single abstraction.
type Persistence struct {
	Transactions Store
	Locker       Locker
}

// NewInMemory returns a Persistence suitable for tests and single-process use.
func NewInMemory() Persistence {
	return Persistence{
		Transactions: NewMemoryStore(),
		Locker:       NewLocalLocker(),
	}
}
