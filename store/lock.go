package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ErrLocked is returned when another writer holds the reservation for an entry.
var ErrLocked = errors.New("store: entry is reserved by another writer")

// lockRecord is the content of a reservation file.
type lockRecord struct {
	Owner   string    `json:"owner"`
	PID     int       `json:"pid"`
	Host    string    `json:"host,omitempty"`
	Created time.Time `json:"created"`
}

// Lock is a held reservation for one entry.
type Lock struct {
	path  string
	owner string
}

// Lock reserves the named entry in scope by creating a claim file with
// create-exclusive semantics. If a live claim exists it returns ErrLocked.
// Claims older than the stale lock age are broken once.
func (s *Store) Lock(scope, name string) (*Lock, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	dir, err := s.EnsureScope(scope)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name+LockExt)

	host, _ := os.Hostname() //nolint:errcheck // host is informational
	rec := lockRecord{
		Owner:   uuid.NewString(),
		PID:     os.Getpid(),
		Host:    host,
		Created: s.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, s.filePerm) //nolint:gosec // name is validated
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path) //nolint:errcheck // best-effort cleanup
				return nil, fmt.Errorf("store: write reservation: %w", errors.Join(werr, cerr))
			}
			s.log().Debug("reserved cache entry", "name", name, "owner", rec.Owner)
			return &Lock{path: path, owner: rec.Owner}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("store: create reservation: %w", err)
		}
		if !s.breakStale(path) {
			break
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLocked, name)
}

// breakStale removes the claim at path if it is older than the stale lock
// age. It reports whether the caller should retry.
func (s *Store) breakStale(path string) bool {
	if s.staleLockAge <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	age := s.now().Sub(info.ModTime())
	if age < s.staleLockAge {
		return false
	}
	s.log().Warn("breaking stale reservation", "path", path, "age", age)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return true
}

// Owner returns the unique token identifying this reservation.
func (l *Lock) Owner() string {
	return l.owner
}

// Release removes the claim if it is still owned by l. A claim that was
// broken and taken over by another writer is left alone.
func (l *Lock) Release() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: read reservation: %w", err)
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.Owner != l.owner {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: release reservation: %w", err)
	}
	return nil
}
