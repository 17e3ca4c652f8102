package market

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	xerrors "github.com/AgentMarketSh/agentmarket-cli/internal/errors"
)

// FileStore persists market state as JSON files under one state directory.
// It is the default driver: no external service, one writer, and every
// record is inspectable with a text editor. Secrets are written 0600 and
// kept in their own subdirectory.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore opens (creating if needed) a state directory.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "state directory must not be empty")
	}
	for _, sub := range []string{"requests", "secrets"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "create state directory")
		}
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) requestPath(id uint64) string {
	return filepath.Join(f.dir, "requests", strconv.FormatUint(id, 10)+".json")
}

func (f *FileStore) secretPath(id uint64) string {
	return filepath.Join(f.dir, "secrets", strconv.FormatUint(id, 10))
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a truncated record behind.
func writeFileAtomic(path string, data []byte, mode fs.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// UpsertRequest implements Store.
func (f *FileStore) UpsertRequest(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record must not be nil")
	}
	if !IsValidStatus(record.Status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "unsupported request status")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now().Unix()
	clone := cloneRecord(record)
	if existing, err := f.readRequest(record.ID); err == nil {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt == 0 {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now

	data, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode request record")
	}
	if err := writeFileAtomic(f.requestPath(record.ID), data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write request record")
	}
	return nil
}

func (f *FileStore) readRequest(id uint64) (*Record, error) {
	data, err := os.ReadFile(f.requestPath(id))
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, ErrRequestNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read request record")
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode request record")
	}
	return &record, nil
}

// GetRequest implements Store.
func (f *FileStore) GetRequest(_ context.Context, id uint64) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readRequest(id)
}

// ListRequests implements Store.
func (f *FileStore) ListRequests(_ context.Context, opts ListOptions) ([]*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts.applyDefaults()

	entries, err := os.ReadDir(filepath.Join(f.dir, "requests"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list request records")
	}
	var results []*Record
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		record, err := f.readRequest(id)
		if err != nil {
			continue
		}
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, record)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].ID < results[j].ID
	})
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// PutSecret implements Store. The secret file carries owner-only permissions.
func (f *FileStore) PutSecret(_ context.Context, id uint64, secretHex string) error {
	if secretHex == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "secret must not be empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := writeFileAtomic(f.secretPath(id), []byte(secretHex), 0o600); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write commitment secret")
	}
	return nil
}

// GetSecret implements Store.
func (f *FileStore) GetSecret(_ context.Context, id uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.secretPath(id))
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return "", ErrSecretNotFound
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "read commitment secret")
	}
	return strings.TrimSpace(string(data)), nil
}

// DeleteSecret implements Store.
func (f *FileStore) DeleteSecret(_ context.Context, id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.secretPath(id)); err != nil && !stdErrors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete commitment secret")
	}
	return nil
}

func (f *FileStore) earningsPath() string {
	return filepath.Join(f.dir, "earnings.json")
}

func (f *FileStore) readEarnings() ([]Earning, error) {
	data, err := os.ReadFile(f.earningsPath())
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read earnings")
	}
	var earnings []Earning
	if err := json.Unmarshal(data, &earnings); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode earnings")
	}
	return earnings, nil
}

// AppendEarning implements Store.
func (f *FileStore) AppendEarning(_ context.Context, earning Earning) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	earnings, err := f.readEarnings()
	if err != nil {
		return err
	}
	for _, existing := range earnings {
		if existing.RequestID == earning.RequestID && existing.Role == earning.Role {
			return nil
		}
	}
	if earning.SettledAt == 0 {
		earning.SettledAt = time.Now().Unix()
	}
	earnings = append(earnings, earning)
	data, err := json.MarshalIndent(earnings, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode earnings")
	}
	if err := writeFileAtomic(f.earningsPath(), data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write earnings")
	}
	return nil
}

// ListEarnings implements Store.
func (f *FileStore) ListEarnings(_ context.Context) ([]Earning, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readEarnings()
}

// GetRegistration implements Store.
func (f *FileStore) GetRegistration(_ context.Context) (*Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(f.dir, "registration.json"))
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil, xerrors.New(xerrors.CodeNotFound, "no registration recorded")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read registration")
	}
	var registration Registration
	if err := json.Unmarshal(data, &registration); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode registration")
	}
	return &registration, nil
}

// PutRegistration implements Store.
func (f *FileStore) PutRegistration(_ context.Context, registration *Registration) error {
	if registration == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "registration must not be nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(registration, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode registration")
	}
	if err := writeFileAtomic(filepath.Join(f.dir, "registration.json"), data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write registration")
	}
	return nil
}

func (f *FileStore) cursorsPath() string {
	return filepath.Join(f.dir, "cursors.json")
}

func (f *FileStore) readCursors() (map[string]string, error) {
	data, err := os.ReadFile(f.cursorsPath())
	if err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "read cursors")
	}
	cursors := make(map[string]string)
	if err := json.Unmarshal(data, &cursors); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode cursors")
	}
	return cursors, nil
}

// GetCursor implements Store.
func (f *FileStore) GetCursor(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursors, err := f.readCursors()
	if err != nil {
		return "", err
	}
	return cursors[name], nil
}

// PutCursor implements Store.
func (f *FileStore) PutCursor(_ context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursors, err := f.readCursors()
	if err != nil {
		return err
	}
	cursors[name] = value
	data, err := json.Marshal(cursors)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode cursors")
	}
	if err := writeFileAtomic(f.cursorsPath(), data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "write cursors")
	}
	return nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)

// String satisfies fmt.Stringer for log output.
func (f *FileStore) String() string {
	return fmt.Sprintf("file store at %s", f.dir)
}
