package badger

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"go.cdragon.dev/cdragon/rman"
)

// ErrNotFound is returned when no record exists for a path.
var ErrNotFound = errors.New("not found")

type (
	// A ChunkRef records one chunk of a materialized file: its ID and
	// decompressed size. Sizes are recorded so old chunk offsets can be
	// recomputed without the manifest that produced them.
	ChunkRef struct {
		ID   rman.ChunkID `json:"id"`
		Size uint32       `json:"size"`
	}

	// A FileRecord describes the composition a destination file was last
	// written with.
	FileRecord struct {
		Path       string     `json:"path"`
		ManifestID uint64     `json:"manifestID"`
		Size       uint32     `json:"size"`
		Chunks     []ChunkRef `json:"chunks"`
	}
)

// PutFiles records the composition of materialized files.
func (s *Store) PutFiles(records []FileRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			buf, err := json.Marshal(rec)
			if err != nil {
				return err
			} else if err := txn.Set([]byte(rec.Path), buf); err != nil {
				return err
			}
		}
		return nil
	})
}

// File returns the recorded composition for a destination-relative path.
func (s *Store) File(path string) (rec FileRecord, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(path))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return
}

// DeleteFile removes the record for a path.
func (s *Store) DeleteFile(path string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(path))
	})
}

// Paths returns a channel of all recorded paths.
func (s *Store) Paths(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)

	go func() {
		defer close(ch)
		log := s.log.Named("paths")
		err := s.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.IteratorOptions{})
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case ch <- string(it.Item().Key()):
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("failed to iterate records", zap.Error(err))
		}
	}()
	return ch, nil
}
