package rman_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/frand"

	"go.cdragon.dev/cdragon/rman"
	"go.cdragon.dev/cdragon/rman/rmantest"
)

func TestParseManifest(t *testing.T) {
	payloadA := frand.Bytes(100)
	payloadB := frand.Bytes(50)
	payloadC := frand.Bytes(75)

	b := rmantest.NewBuilder(0xdeadbeef)
	idsAB := b.AddBundle(0xb7, payloadA, payloadB)
	idsC := b.AddBundle(0xb8, payloadC)
	b.AddDir(1, 0, "data")
	b.AddDir(2, 1, "champions")
	b.AddLocale(0, "en_US")
	b.AddLocale(1, "de_DE")
	b.AddFile(rmantest.File{Name: "champion.bin", Dir: 2, Chunks: idsAB})
	b.AddFile(rmantest.File{Name: "common.bin", Dir: 1, Chunks: []rman.ChunkID{idsAB[0], idsC[0]}})
	b.AddFile(rmantest.File{Name: "voices_de.wad", Dir: 1, Locales: 1 << 1, Chunks: idsC})
	b.AddFile(rmantest.File{Name: "game.exe", Executable: true, Chunks: idsC})
	b.AddFile(rmantest.File{Name: "latest.lnk", Link: "game.exe"})

	m, err := rman.ParseManifest(bytes.NewReader(b.Manifest()))
	if err != nil {
		t.Fatal(err)
	}

	if m.ID != 0xdeadbeef {
		t.Fatalf("unexpected manifest ID %x", m.ID)
	} else if len(m.Bundles) != 2 || len(m.Files) != 5 {
		t.Fatalf("unexpected table sizes: %d bundles, %d files", len(m.Bundles), len(m.Files))
	} else if m.ChunkCount() != 3 {
		t.Fatalf("expected 3 distinct chunks, got %d", m.ChunkCount())
	}

	f, ok := m.File("data/champions/champion.bin")
	if !ok {
		t.Fatal("champion.bin not found by path")
	} else if f.Size != 150 {
		t.Fatalf("expected size 150, got %d", f.Size)
	}

	chunks := m.FileChunks(f)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].ID != rman.ChunkID(xxhash.Sum64(payloadA)) {
		t.Fatal("first chunk ID does not match payload digest")
	}
	if chunks[1].Bundle != 0xb7 || chunks[1].UncompressedSize != 50 {
		t.Fatalf("unexpected second chunk: %+v", chunks[1])
	}
	if chunks[0].Offset != 0 || chunks[1].Offset != chunks[0].CompressedSize {
		t.Fatal("chunk offsets do not partition the bundle")
	}

	if f, ok := m.File("game.exe"); !ok || !f.Executable {
		t.Fatal("expected executable root file")
	}
	if f, ok := m.File("latest.lnk"); !ok || f.Link != "game.exe" {
		t.Fatal("expected symlink entry")
	}
}

func TestParseManifestRejectsBadInput(t *testing.T) {
	b := rmantest.NewBuilder(1)
	ids := b.AddBundle(1, frand.Bytes(64))
	b.AddFile(rmantest.File{Name: "a.bin", Chunks: ids})
	blob := b.Manifest()

	tests := []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte {
			b = bytes.Clone(b)
			b[0] = 'X'
			return b
		}},
		{"unsupported version", func(b []byte) []byte {
			b = bytes.Clone(b)
			b[4] = 3
			return b
		}},
		{"missing zstd flag", func(b []byte) []byte {
			b = bytes.Clone(b)
			b[6], b[7] = 0, 0
			return b
		}},
		{"truncated header", func(b []byte) []byte {
			return b[:10]
		}},
		{"truncated body", func(b []byte) []byte {
			return b[:len(b)-8]
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rman.ParseManifest(bytes.NewReader(tt.mangle(blob)))
			var fe *rman.FormatError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FormatError, got %v", err)
			}
		})
	}
}

func TestParseManifestRejectsUnknownChunk(t *testing.T) {
	b := rmantest.NewBuilder(1)
	b.AddBundle(1, frand.Bytes(64))
	b.AddFile(rmantest.File{Name: "a.bin", Chunks: []rman.ChunkID{0x1234}})

	_, err := rman.ParseManifest(bytes.NewReader(b.Manifest()))
	var fe *rman.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError for dangling chunk reference, got %v", err)
	}
}

func TestParseManifestRejectsSizeMismatch(t *testing.T) {
	b := rmantest.NewBuilder(1)
	ids := b.AddBundle(1, frand.Bytes(64))
	size := uint32(63)
	b.AddFile(rmantest.File{Name: "a.bin", Chunks: ids, Size: &size})

	_, err := rman.ParseManifest(bytes.NewReader(b.Manifest()))
	var fe *rman.FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FormatError for size mismatch, got %v", err)
	}
}

func TestFilterFiles(t *testing.T) {
	b := rmantest.NewBuilder(1)
	ids := b.AddBundle(1, frand.Bytes(16))
	b.AddDir(1, 0, "assets")
	b.AddLocale(0, "en_US")
	b.AddLocale(3, "ja_JP")
	b.AddFile(rmantest.File{Name: "global.bin", Dir: 1, Chunks: ids})
	b.AddFile(rmantest.File{Name: "voices_ja.wad", Dir: 1, Locales: 1 << 3, Chunks: ids})
	b.AddFile(rmantest.File{Name: "readme.txt", Chunks: ids})

	m, err := rman.ParseManifest(bytes.NewReader(b.Manifest()))
	if err != nil {
		t.Fatal(err)
	}

	if got := m.FilterFiles("assets/", ""); len(got) != 2 {
		t.Fatalf("prefix filter: expected 2 files, got %d", len(got))
	}
	if got := m.FilterFiles("", "en_US"); len(got) != 2 {
		t.Fatalf("en_US filter: expected 2 files (unlocalized + global), got %d", len(got))
	}
	if got := m.FilterFiles("", "ja_JP"); len(got) != 3 {
		t.Fatalf("ja_JP filter: expected all 3 files, got %d", len(got))
	}
	if got := m.FilterFiles("", "fr_FR"); got != nil {
		t.Fatalf("unknown locale: expected no files, got %d", len(got))
	}

	f, _ := m.File("assets/voices_ja.wad")
	if locales := m.Locales(f.Locales); len(locales) != 1 || locales[0] != "ja_JP" {
		t.Fatalf("unexpected locales: %v", locales)
	}
}

func TestDownloadSizeDeduplicates(t *testing.T) {
	shared := frand.Bytes(128)
	only := frand.Bytes(32)

	b := rmantest.NewBuilder(1)
	ids := b.AddBundle(1, shared, only)
	b.AddFile(rmantest.File{Name: "a.bin", Chunks: ids})
	b.AddFile(rmantest.File{Name: "b.bin", Chunks: ids[:1]})

	m, err := rman.ParseManifest(bytes.NewReader(b.Manifest()))
	if err != nil {
		t.Fatal(err)
	}

	sharedChunk, _ := m.Chunk(ids[0])
	onlyChunk, _ := m.Chunk(ids[1])
	want := uint64(sharedChunk.CompressedSize) + uint64(onlyChunk.CompressedSize)

	if got := m.DownloadSize(m.Files); got != want {
		t.Fatalf("expected %d bytes (shared chunk counted once), got %d", want, got)
	}
}
