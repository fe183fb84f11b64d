package download

import (
	"bytes"
	"testing"

	"lukechampine.com/frand"

	"go.cdragon.dev/cdragon/rman"
	"go.cdragon.dev/cdragon/rman/rmantest"
)

func buildManifest(t *testing.T, b *rmantest.Builder) *rman.Manifest {
	t.Helper()
	m, err := rman.ParseManifest(bytes.NewReader(b.Manifest()))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestPlanFetchesCoalescing(t *testing.T) {
	b := rmantest.NewBuilder(1)
	ids := b.AddBundle(7, frand.Bytes(1000), frand.Bytes(1000), frand.Bytes(1000))
	b.AddFile(rmantest.File{Name: "a.bin", Chunks: ids})
	m := buildManifest(t, b)

	first, _ := m.Chunk(ids[0])
	last, _ := m.Chunk(ids[2])
	missing := []rman.ChunkID{ids[0], ids[2]} // middle chunk already cached

	// no gap tolerance: the hole between chunk 0 and chunk 2 splits the plan
	tasks := planFetches(m, missing, 0)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if got := len(tasks[0].groups); got != 2 {
		t.Fatalf("expected 2 range groups, got %d", got)
	}
	if g := tasks[0].groups[0]; g.off != 0 || g.length != uint64(first.CompressedSize) {
		t.Fatalf("unexpected first group %d+%d", g.off, g.length)
	}

	// gap tolerance larger than the hole: one coalesced range
	middle, _ := m.Chunk(ids[1])
	tasks = planFetches(m, missing, middle.CompressedSize)
	if len(tasks[0].groups) != 1 {
		t.Fatalf("expected 1 coalesced group, got %d", len(tasks[0].groups))
	}
	g := tasks[0].groups[0]
	if g.off != 0 || g.length != uint64(last.Offset)+uint64(last.CompressedSize) {
		t.Fatalf("coalesced group %d+%d does not span the bundle", g.off, g.length)
	}
	if len(g.chunks) != 2 {
		t.Fatalf("expected 2 chunks in the group, got %d", len(g.chunks))
	}
}

func TestPlanFetchesGroupsByBundle(t *testing.T) {
	b := rmantest.NewBuilder(1)
	ids1 := b.AddBundle(2, frand.Bytes(100))
	ids2 := b.AddBundle(1, frand.Bytes(100))
	b.AddFile(rmantest.File{Name: "a.bin", Chunks: append(ids1, ids2...)})
	m := buildManifest(t, b)

	tasks := planFetches(m, append(ids1, ids2...), 0)
	if len(tasks) != 2 {
		t.Fatalf("expected one task per bundle, got %d", len(tasks))
	}
	if tasks[0].bundle != 1 || tasks[1].bundle != 2 {
		t.Fatal("tasks not ordered by bundle ID")
	}
}
