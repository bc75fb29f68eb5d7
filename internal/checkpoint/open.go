package checkpoint

import (
	"fmt"
	"path/filepath"

	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the store for backend rooted at dir.
func Open(backend, dir, namespace string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(dir, namespace), nil
	case BackendSQLite:
		return NewSQLiteStore(filepath.Join(dir, SQLiteFileName), namespace)
	default:
		return nil, internalerrors.NewValidationError("open_store", "unknown state backend %q", backend)
	}
}

// IsEmpty reports whether loaded state has neither a checkpoint nor a baseline.
func IsEmpty(cp *Checkpoint, b Baseline) bool {
	return cp == nil && len(b) == 0
}

// Describe names the backend and location of s for logs.
func Describe(s Store) string {
	switch st := s.(type) {
	case *FileStore:
		return fmt.Sprintf("file:%s", st.dir)
	case *SQLiteStore:
		return fmt.Sprintf("sqlite:%s", st.path)
	default:
		return fmt.Sprintf("%T", s)
	}
}
