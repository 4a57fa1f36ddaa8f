// Package dataset stores the question/answer training data, one xlsx
// workbook per dataset kind.
//
// Every mutation rewrites the whole workbook. Writers inside one process are
// serialized per kind; two processes writing the same directory can still
// overwrite each other's changes.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loiht2/ml-platform-finetune/backend/apperrors"
)

// Mirror receives a copy of every workbook the store persists.
type Mirror interface {
	Put(ctx context.Context, objectName string, data []byte) error
}

// Store is the typed dataset store rooted at a directory.
type Store struct {
	dir    string
	mirror Mirror
	locks  map[Kind]*sync.Mutex
}

// NewStore creates the data directory if needed. mirror may be nil.
func NewStore(dir string, mirror Mirror) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	locks := make(map[Kind]*sync.Mutex, len(Kinds))
	for _, k := range Kinds {
		locks[k] = &sync.Mutex{}
	}
	return &Store{dir: dir, mirror: mirror, locks: locks}, nil
}

// Path returns the backing workbook path of kind.
func (s *Store) Path(kind Kind) string {
	return filepath.Join(s.dir, kind.FileName())
}

// Exists reports whether a workbook has been uploaded for kind.
func (s *Store) Exists(kind Kind) bool {
	info, err := os.Stat(s.Path(kind))
	return err == nil && !info.IsDir()
}

// Upload replaces the workbook of kind with data.
func (s *Store) Upload(ctx context.Context, kind Kind, filename string, data []byte) error {
	if err := s.checkKind(kind); err != nil {
		return err
	}
	if !strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return apperrors.New(apperrors.InvalidFormat, "only .xlsx files can be uploaded, got %q", filename)
	}
	if _, err := decodeWorkbook(kind, data); err != nil {
		return apperrors.Wrap(apperrors.InvalidFormat, err, "file %q is not a valid %s workbook", filename, kind)
	}

	mu := s.locks[kind]
	mu.Lock()
	defer mu.Unlock()
	return s.persist(ctx, kind, data)
}

// List returns the rows of kind in stored order.
func (s *Store) List(ctx context.Context, kind Kind) ([]Entry, error) {
	if err := s.checkKind(kind); err != nil {
		return nil, err
	}
	mu := s.locks[kind]
	mu.Lock()
	defer mu.Unlock()

	entries, err := s.load(kind)
	if err != nil {
		log.Printf("Error reading %s dataset, returning empty result: %v", kind, err)
		return []Entry{}, nil
	}
	return entries, nil
}

// Add appends a row with id max(existing)+1, or 1 for an empty store.
func (s *Store) Add(ctx context.Context, kind Kind, fields map[string]string) (Entry, error) {
	if err := s.checkKind(kind); err != nil {
		return Entry{}, err
	}
	for _, col := range kind.requiredColumns() {
		if _, ok := fields[col]; !ok {
			return Entry{}, apperrors.New(apperrors.InvalidRequest, "field %q is required for %s entries", col, kind)
		}
	}

	mu := s.locks[kind]
	mu.Lock()
	defer mu.Unlock()

	entries, err := s.load(kind)
	if err != nil {
		return Entry{}, apperrors.Wrap(apperrors.InvalidFormat, err, "stored %s dataset is unreadable", kind)
	}

	entry := Entry{ID: nextID(entries)}
	applyFields(kind, &entry, fields)
	entries = append(entries, entry)

	if err := s.save(ctx, kind, entries); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Update overwrites the provided fields of row id. The id itself never changes.
func (s *Store) Update(ctx context.Context, kind Kind, id int, fields map[string]string) (Entry, error) {
	if err := s.checkKind(kind); err != nil {
		return Entry{}, err
	}
	mu := s.locks[kind]
	mu.Lock()
	defer mu.Unlock()

	entries, err := s.load(kind)
	if err != nil {
		return Entry{}, apperrors.Wrap(apperrors.InvalidFormat, err, "stored %s dataset is unreadable", kind)
	}
	i := indexOf(entries, id)
	if i < 0 {
		return Entry{}, apperrors.New(apperrors.NotFound, "%s entry %d not found", kind, id)
	}
	applyFields(kind, &entries[i], fields)

	if err := s.save(ctx, kind, entries); err != nil {
		return Entry{}, err
	}
	return entries[i], nil
}

// Delete removes row id.
func (s *Store) Delete(ctx context.Context, kind Kind, id int) error {
	if err := s.checkKind(kind); err != nil {
		return err
	}
	mu := s.locks[kind]
	mu.Lock()
	defer mu.Unlock()

	entries, err := s.load(kind)
	if err != nil {
		return apperrors.Wrap(apperrors.InvalidFormat, err, "stored %s dataset is unreadable", kind)
	}
	i := indexOf(entries, id)
	if i < 0 {
		return apperrors.New(apperrors.NotFound, "%s entry %d not found", kind, id)
	}
	entries = append(entries[:i], entries[i+1:]...)
	return s.save(ctx, kind, entries)
}

func (s *Store) checkKind(kind Kind) error {
	if !kind.Valid() {
		return apperrors.New(apperrors.InvalidRequest, "unknown dataset kind %q", kind)
	}
	return nil
}

// load reads the workbook of kind; a missing file is an empty store.
func (s *Store) load(kind Kind) ([]Entry, error) {
	data, err := os.ReadFile(s.Path(kind))
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeWorkbook(kind, data)
}

func (s *Store) save(ctx context.Context, kind Kind, entries []Entry) error {
	data, err := encodeWorkbook(kind, entries)
	if err != nil {
		return apperrors.Wrap(apperrors.StorageWriteError, err, "failed to encode %s dataset", kind)
	}
	return s.persist(ctx, kind, data)
}

// persist replaces the workbook through a temp file and rename, then mirrors it.
func (s *Store) persist(ctx context.Context, kind Kind, data []byte) error {
	path := s.Path(kind)
	tmp, err := os.CreateTemp(s.dir, "."+kind.FileName()+".*")
	if err != nil {
		return apperrors.Wrap(apperrors.StorageWriteError, err, "failed to save %s dataset", kind)
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.StorageWriteError, err, "failed to save %s dataset", kind)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.StorageWriteError, err, "failed to save %s dataset", kind)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.StorageWriteError, err, "failed to save %s dataset", kind)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperrors.Wrap(apperrors.StorageWriteError, err, "failed to save %s dataset", kind)
	}

	if s.mirror != nil {
		if err := s.mirror.Put(ctx, kind.FileName(), data); err != nil {
			log.Printf("Warning: failed to mirror %s: %v", kind.FileName(), err)
		}
	}
	return nil
}

func nextID(entries []Entry) int {
	highest := 0
	for _, e := range entries {
		if e.ID > highest {
			highest = e.ID
		}
	}
	return highest + 1
}

func indexOf(entries []Entry, id int) int {
	for i, e := range entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}
