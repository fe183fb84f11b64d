package badger_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"

	"go.cdragon.dev/cdragon/persist/badger"
)

func TestFileRecords(t *testing.T) {
	log := zaptest.NewLogger(t)
	db, err := badger.OpenDatabase(filepath.Join(t.TempDir(), "state"), log)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := db.File("data/a.bin"); !errors.Is(err, badger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	recs := []badger.FileRecord{
		{
			Path:       "data/a.bin",
			ManifestID: 7,
			Size:       150,
			Chunks: []badger.ChunkRef{
				{ID: 0x1111, Size: 100},
				{ID: 0x2222, Size: 50},
			},
		},
		{
			Path:       "data/b.bin",
			ManifestID: 7,
			Size:       32,
			Chunks:     []badger.ChunkRef{{ID: 0x3333, Size: 32}},
		},
	}
	if err := db.PutFiles(recs); err != nil {
		t.Fatal(err)
	}

	got, err := db.File("data/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, recs[0]) {
		t.Fatalf("unexpected record: %+v", got)
	}

	// updates replace the old composition
	recs[0].ManifestID = 8
	recs[0].Chunks = recs[0].Chunks[:1]
	if err := db.PutFiles(recs[:1]); err != nil {
		t.Fatal(err)
	}
	got, err = db.File("data/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if got.ManifestID != 8 || len(got.Chunks) != 1 {
		t.Fatalf("record not updated: %+v", got)
	}

	paths := make(map[string]bool)
	ch, err := db.Paths(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for p := range ch {
		paths[p] = true
	}
	if len(paths) != 2 || !paths["data/a.bin"] || !paths["data/b.bin"] {
		t.Fatalf("unexpected paths: %v", paths)
	}

	if err := db.DeleteFile("data/b.bin"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.File("data/b.bin"); !errors.Is(err, badger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
