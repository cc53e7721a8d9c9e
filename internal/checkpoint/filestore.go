package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/johndauphine/pg-pg-migrate/internal/logging"
)

// FileStore keeps every checkpoint in one JSON or YAML document keyed by
// table name. Each Put rewrites the whole document through a temp file and
// rename, so a crash leaves either the old or the new version on disk.
type FileStore struct {
	path   string
	codec  codec
	logger *logging.Logger

	mu          sync.Mutex
	checkpoints map[string]*Checkpoint
}

type codec interface {
	marshal(v map[string]*Checkpoint) ([]byte, error)
	unmarshal(data []byte, v *map[string]*Checkpoint) error
}

type jsonCodec struct{}

func (jsonCodec) marshal(v map[string]*Checkpoint) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

func (jsonCodec) unmarshal(data []byte, v *map[string]*Checkpoint) error {
	return json.Unmarshal(data, v)
}

type yamlCodec struct{}

func (yamlCodec) marshal(v map[string]*Checkpoint) ([]byte, error) {
	return yaml.Marshal(v)
}

func (yamlCodec) unmarshal(data []byte, v *map[string]*Checkpoint) error {
	return yaml.Unmarshal(data, v)
}

// OpenFile loads the checkpoint file at path. A missing file starts empty.
// An unreadable or corrupt file also starts empty, with a warning; the bad
// file is overwritten by the next Put.
func OpenFile(path string, logger *logging.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint file path is empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	fs := &FileStore{
		path:        path,
		codec:       codecFor(path),
		logger:      logger,
		checkpoints: make(map[string]*Checkpoint),
	}
	fs.load()
	return fs, nil
}

func (fs *FileStore) load() {
	data, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		fs.logger.Debug("No checkpoint file at %s, starting fresh", fs.path)
		return
	}
	if err != nil {
		fs.logger.Warn("Could not read checkpoint file %s, starting fresh: %v", fs.path, err)
		return
	}
	if len(data) == 0 {
		return
	}

	loaded := make(map[string]*Checkpoint)
	if err := fs.codec.unmarshal(data, &loaded); err != nil {
		fs.logger.Warn("Checkpoint file %s is corrupt, starting fresh: %v", fs.path, err)
		return
	}
	for name, cp := range loaded {
		if cp == nil {
			continue
		}
		if cp.TableName == "" {
			cp.TableName = name
		}
		fs.checkpoints[name] = cp
	}
	fs.logger.Info("Loaded %d checkpoint(s) from %s", len(fs.checkpoints), fs.path)
}

// Path returns the file backing the store.
func (fs *FileStore) Path() string {
	return fs.path
}

// Get returns a copy of the checkpoint for table.
func (fs *FileStore) Get(table string) (*Checkpoint, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cp, ok := fs.checkpoints[table]
	if !ok {
		return nil, nil
	}
	return cp.clone(), nil
}

// Put records cp and rewrites the file before returning.
func (fs *FileStore) Put(cp *Checkpoint) error {
	if cp == nil || cp.TableName == "" {
		return fmt.Errorf("checkpoint without table name")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	stored := cp.clone()
	stored.UpdatedAt = time.Now().UTC()
	prev, hadPrev := fs.checkpoints[cp.TableName]
	fs.checkpoints[cp.TableName] = stored
	if err := fs.save(); err != nil {
		if hadPrev {
			fs.checkpoints[cp.TableName] = prev
		} else {
			delete(fs.checkpoints, cp.TableName)
		}
		return err
	}
	return nil
}

// List returns copies of all checkpoints ordered by table name.
func (fs *FileStore) List() ([]Checkpoint, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]Checkpoint, 0, len(fs.checkpoints))
	for _, cp := range fs.checkpoints {
		out = append(out, *cp.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

// Delete removes the checkpoint for table. Deleting an unknown table is a no-op.
func (fs *FileStore) Delete(table string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prev, ok := fs.checkpoints[table]
	if !ok {
		return nil
	}
	delete(fs.checkpoints, table)
	if err := fs.save(); err != nil {
		fs.checkpoints[table] = prev
		return err
	}
	return nil
}

// Close is a no-op; every Put is already on disk.
func (fs *FileStore) Close() error {
	return nil
}

// save writes the whole map atomically. Caller holds fs.mu.
func (fs *FileStore) save() error {
	data, err := fs.codec.marshal(fs.checkpoints)
	if err != nil {
		return fmt.Errorf("marshaling checkpoints: %w", err)
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(fs.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("writing checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing checkpoint file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		cleanup()
		return fmt.Errorf("writing checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		cleanup()
		return fmt.Errorf("replacing checkpoint file: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
