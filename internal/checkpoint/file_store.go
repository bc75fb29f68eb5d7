package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	internalerrors "github.com/rcourtman/pulse-cloudstack/internal/errors"
	"github.com/rcourtman/pulse-cloudstack/internal/utils"
	"github.com/rs/zerolog/log"
)

const (
	stateDirPerm  os.FileMode = 0o700
	stateFilePerm os.FileMode = 0o600
)

var _ Store = (*FileStore)(nil)

// FileStore keeps each record in its own JSON file under dir.
type FileStore struct {
	mu             sync.RWMutex
	dir            string
	namespace      string
	checkpointFile string
	baselineFile   string
}

// NewFileStore creates a file-backed store for namespace rooted at dir.
func NewFileStore(dir, namespace string) *FileStore {
	safe := utils.SanitizeName(namespace)
	return &FileStore{
		dir:            dir,
		namespace:      namespace,
		checkpointFile: filepath.Join(dir, "checkpoint."+safe+".json"),
		baselineFile:   filepath.Join(dir, "baseline."+safe+".json"),
	}
}

func (s *FileStore) Namespace() string { return s.namespace }

func (s *FileStore) Close() error { return nil }

// LoadCheckpoint returns (nil, nil) when no checkpoint has been saved yet.
func (s *FileStore) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := readStateFile(s.checkpointFile)
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("load_checkpoint", s.namespace, err)
	}
	if data == nil {
		return nil, nil
	}

	var cp Checkpoint
	if err := decodeState(data, &cp); err != nil {
		return nil, internalerrors.WrapPersistenceError("load_checkpoint", s.namespace, fmt.Errorf("decode %s: %w", s.checkpointFile, err))
	}
	if len(cp.Events) == 0 {
		return nil, nil
	}
	return &cp, nil
}

func (s *FileStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return internalerrors.WrapPersistenceError("save_checkpoint", s.namespace, errors.New("checkpoint is required"))
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return internalerrors.WrapPersistenceError("save_checkpoint", s.namespace, fmt.Errorf("encode checkpoint: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.dir, s.checkpointFile, data); err != nil {
		return internalerrors.WrapPersistenceError("save_checkpoint", s.namespace, err)
	}
	log.Debug().Str("file", s.checkpointFile).Int("events", len(cp.Events)).Msg("Checkpoint saved")
	return nil
}

// LoadBaseline returns an empty baseline when none has been saved yet.
func (s *FileStore) LoadBaseline(ctx context.Context) (Baseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := readStateFile(s.baselineFile)
	if err != nil {
		return nil, internalerrors.WrapPersistenceError("load_baseline", s.namespace, err)
	}
	b := Baseline{}
	if data == nil {
		return b, nil
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, internalerrors.WrapPersistenceError("load_baseline", s.namespace, fmt.Errorf("decode %s: %w", s.baselineFile, err))
	}
	if b == nil {
		b = Baseline{}
	}
	return b, nil
}

func (s *FileStore) SaveBaseline(ctx context.Context, b Baseline) error {
	data, err := json.Marshal(b.Clone())
	if err != nil {
		return internalerrors.WrapPersistenceError("save_baseline", s.namespace, fmt.Errorf("encode baseline: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.dir, s.baselineFile, data); err != nil {
		return internalerrors.WrapPersistenceError("save_baseline", s.namespace, err)
	}
	log.Debug().Str("file", s.baselineFile).Int("counters", len(b)).Msg("Baseline saved")
	return nil
}

// readStateFile returns (nil, nil) for a missing or empty file.
func readStateFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return data, nil
}

// decodeState keeps event numbers as json.Number so they round-trip unchanged.
func decodeState(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// writeFileAtomic writes data to a temp file in dir, syncs it and renames it
// over path, so a crash leaves either the old or the new content.
func writeFileAtomic(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, stateDirPerm); err != nil {
		return fmt.Errorf("create state directory %s: %w", dir, err)
	}
	if info, err := os.Lstat(path); err == nil {
		if info.Mode()&os.ModeSymlink != 0 || !info.Mode().IsRegular() {
			return fmt.Errorf("refusing to replace non-regular state file %q", path)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(stateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit state file %s: %w", path, err)
	}
	cleanup = false

	// Persist the rename itself; not every platform supports syncing a directory.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
