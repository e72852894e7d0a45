package storage

import "fmt"

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}

// DefaultStoreKind is sqlite when the binary was built with the sqlite tag.
func DefaultStoreKind() string {
	if sqliteAvailable {
		return "sqlite"
	}
	return "memory"
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
