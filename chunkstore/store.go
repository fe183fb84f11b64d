// Package chunkstore persists decompressed chunks on disk, keyed by their
// content digest. It is the local cache that lets repeated materializations
// and shared chunks skip the network.
package chunkstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"go.cdragon.dev/cdragon/rman"
)

// ErrNotFound is returned when a chunk is not in the store.
var ErrNotFound = errors.New("chunk not found")

// An IntegrityError reports bytes that do not match their claimed content
// digest: a corrupt download, a corrupt cache entry, or an attempt to store
// different content under an existing ID.
type IntegrityError struct {
	Chunk  rman.ChunkID
	Reason string
}

// Error implements error.
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunk %s: %s", e.Chunk, e.Reason)
}

// A Store is a content-addressed chunk cache backed by a directory tree.
// Entries are sharded by the first byte of the hex ID. Writes follow a
// write-once discipline: the first writer for an ID wins and later writers
// with identical content are no-ops.
type Store struct {
	dir    string
	verify bool
	log    *zap.Logger
}

// Open opens (creating if necessary) a chunk store rooted at dir. When
// verify is set, written bytes are checked against their claimed digest;
// disable it only for manifest generations whose chunk IDs are not true
// content digests.
func Open(dir string, verify bool, log *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return &Store{dir: dir, verify: verify, log: log}, nil
}

func (s *Store) path(id rman.ChunkID) string {
	name := id.String()
	return filepath.Join(s.dir, name[:2], name+".chunk")
}

// Has returns whether the chunk is cached.
func (s *Store) Has(id rman.ChunkID) bool {
	info, err := os.Stat(s.path(id))
	return err == nil && info.Mode().IsRegular()
}

// Len returns the cached chunk's size.
func (s *Store) Len(id rman.ChunkID) (int64, error) {
	info, err := os.Stat(s.path(id))
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Read returns the chunk's decompressed bytes.
func (s *Store) Read(id rman.ChunkID) ([]byte, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteTo streams the chunk's bytes into w.
func (s *Store) WriteTo(id rman.ChunkID, w io.Writer) (int64, error) {
	f, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	} else if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// Write stores a chunk's decompressed bytes. Writing the same content for
// an existing ID is a no-op; writing different content for an existing ID
// fails with an *IntegrityError, since it means either corruption or a
// digest collision and must never be papered over.
func (s *Store) Write(id rman.ChunkID, data []byte) error {
	if s.verify {
		if sum := xxhash.Sum64(data); rman.ChunkID(sum) != id {
			return &IntegrityError{Chunk: id, Reason: fmt.Sprintf("digest mismatch: got %016x", sum)}
		}
	}

	path := s.path(id)
	if existing, err := os.ReadFile(path); err == nil {
		if len(existing) != len(data) || (!s.verify && !bytes.Equal(existing, data)) {
			return &IntegrityError{Chunk: id, Reason: "existing entry has different content"}
		}
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	shard := filepath.Dir(path)
	if err := os.MkdirAll(shard, 0755); err != nil {
		return fmt.Errorf("failed to create shard dir: %w", err)
	}

	tmp, err := os.CreateTemp(shard, id.String()+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write chunk: %w", err)
	} else if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync chunk: %w", err)
	} else if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close chunk: %w", err)
	}

	// Rename is atomic; under concurrent writers for the same ID the last
	// rename wins, which is safe because verified content for an ID is
	// identical by definition.
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to persist chunk: %w", err)
	}
	s.log.Debug("stored chunk", zap.Stringer("id", id), zap.Int("size", len(data)))
	return nil
}
