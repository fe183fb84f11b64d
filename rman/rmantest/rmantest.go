// Package rmantest builds small, well-formed RMAN blobs and matching bundle
// bodies for tests.
package rmantest

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"go.cdragon.dev/cdragon/rman"
)

// File describes a file entry to encode.
type File struct {
	Name string
	// Dir is the directory ID the file lives in; zero means no directory.
	Dir        uint64
	Link       string
	Locales    uint64
	Executable bool
	Chunks     []rman.ChunkID
	// Size overrides the computed file size when non-nil, for encoding
	// deliberately inconsistent manifests.
	Size *uint32
}

type bundleSpec struct {
	id     rman.BundleID
	chunks []chunkSpec
	body   []byte
}

type chunkSpec struct {
	id           rman.ChunkID
	compressed   []byte
	uncompressed int
}

type dirSpec struct {
	id, parent uint64
	name       string
}

type localeSpec struct {
	id   uint8
	code string
}

// A Builder accumulates manifest content and encodes it on demand.
type Builder struct {
	manifestID uint64
	bundles    []*bundleSpec
	files      []File
	dirs       []dirSpec
	locales    []localeSpec
	sizes      map[rman.ChunkID]uint32
	enc        *zstd.Encoder
}

// NewBuilder returns a builder for a manifest with the given ID.
func NewBuilder(manifestID uint64) *Builder {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	return &Builder{
		manifestID: manifestID,
		sizes:      make(map[rman.ChunkID]uint32),
		enc:        enc,
	}
}

// AddBundle compresses each payload into a chunk of a new bundle and returns
// the chunk IDs (xxhash64 of the uncompressed payload) in order.
func (b *Builder) AddBundle(id rman.BundleID, payloads ...[]byte) []rman.ChunkID {
	spec := &bundleSpec{id: id}
	ids := make([]rman.ChunkID, 0, len(payloads))
	for _, p := range payloads {
		cid := rman.ChunkID(xxhash.Sum64(p))
		compressed := b.enc.EncodeAll(p, nil)
		spec.chunks = append(spec.chunks, chunkSpec{
			id:           cid,
			compressed:   compressed,
			uncompressed: len(p),
		})
		spec.body = append(spec.body, compressed...)
		b.sizes[cid] = uint32(len(p))
		ids = append(ids, cid)
	}
	b.bundles = append(b.bundles, spec)
	return ids
}

// BundleBody returns the raw bundle object: the concatenation of the
// bundle's compressed chunks. Tests serve it from an httptest server.
func (b *Builder) BundleBody(id rman.BundleID) []byte {
	for _, spec := range b.bundles {
		if spec.id == id {
			return spec.body
		}
	}
	panic(fmt.Sprintf("rmantest: unknown bundle %s", id))
}

// AddDir declares a directory; parent zero means a root directory.
func (b *Builder) AddDir(id, parent uint64, name string) {
	b.dirs = append(b.dirs, dirSpec{id: id, parent: parent, name: name})
}

// AddLocale declares a locale table entry.
func (b *Builder) AddLocale(id uint8, code string) {
	b.locales = append(b.locales, localeSpec{id: id, code: code})
}

// AddFile declares a file entry.
func (b *Builder) AddFile(f File) {
	b.files = append(b.files, f)
}

// body assembler

type writer struct{ b []byte }

func (w *writer) pos() int32 { return int32(len(w.b)) }

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) pad(n int)    { w.b = append(w.b, make([]byte, n)...) }
func (w *writer) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

// patch32 writes a relative offset at patchPos pointing to target.
func (w *writer) patch32(patchPos, target int32) {
	binary.LittleEndian.PutUint32(w.b[patchPos:], uint32(target-patchPos))
}

func (w *writer) str(s string) int32 {
	pos := w.pos()
	w.u32(uint32(len(s)))
	w.b = append(w.b, s...)
	return pos
}

// Manifest encodes the accumulated content into a complete RMAN blob.
func (b *Builder) Manifest() []byte {
	w := &writer{}

	// empty body sub-header, then the four table offsets
	w.u32(0)
	tableOffs := w.pos()
	w.pad(16)

	bundlesPos := b.writeBundles(w)
	localesPos := b.writeLocales(w)
	filesPos := b.writeFiles(w)
	dirsPos := b.writeDirs(w)

	w.patch32(tableOffs, bundlesPos)
	w.patch32(tableOffs+4, localesPos)
	w.patch32(tableOffs+8, filesPos)
	w.patch32(tableOffs+12, dirsPos)

	body := b.enc.EncodeAll(w.b, nil)

	var out []byte
	out = append(out, "RMAN"...)
	out = append(out, 2, 0)
	out = binary.LittleEndian.AppendUint16(out, 1<<9)
	out = binary.LittleEndian.AppendUint32(out, 28)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = binary.LittleEndian.AppendUint64(out, b.manifestID)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(w.b)))
	out = append(out, body...)
	return out
}

// writeTable writes a count plus one patched offset per entry; write is
// called once per entry and returns the entry's start position (which is
// past the entry's vtable when it has one).
func writeTable(w *writer, n int, write func(i int) int32) int32 {
	tablePos := w.pos()
	w.u32(uint32(n))
	offsPos := w.pos()
	w.pad(4 * n)
	for i := 0; i < n; i++ {
		entry := write(i)
		w.patch32(offsPos+int32(4*i), entry)
	}
	return tablePos
}

func (b *Builder) writeBundles(w *writer) int32 {
	return writeTable(w, len(b.bundles), func(i int) int32 {
		spec := b.bundles[i]
		entryPos := w.pos()
		w.pad(4) // field table back-offset, unused
		w.u32(12)
		w.u64(uint64(spec.id))
		writeTable(w, len(spec.chunks), func(j int) int32 {
			c := spec.chunks[j]
			chunkPos := w.pos()
			w.pad(4)
			w.u32(uint32(len(c.compressed)))
			w.u32(uint32(c.uncompressed))
			w.u64(uint64(c.id))
			return chunkPos
		})
		return entryPos
	})
}

func (b *Builder) writeLocales(w *writer) int32 {
	return writeTable(w, len(b.locales), func(i int) int32 {
		l := b.locales[i]
		entryPos := w.pos()
		w.pad(7)
		w.u8(l.id)
		patchPos := w.pos()
		w.pad(4)
		w.patch32(patchPos, w.str(l.code))
		return entryPos
	})
}

// file entry field layout relative to the entry start:
//
//	0  back-offset to vtable
//	4  file ID
//	12 directory ID
//	20 file size
//	24 locale mask
//	32 file type
//	36 name string offset
//	40 link string offset
//	44 chunk ID list
const (
	fOffID     = 4
	fOffDir    = 12
	fOffSize   = 20
	fOffMask   = 24
	fOffType   = 32
	fOffName   = 36
	fOffLink   = 40
	fOffChunks = 44
)

func (b *Builder) writeFiles(w *writer) int32 {
	return writeTable(w, len(b.files), func(i int) int32 {
		f := b.files[i]

		// vtable precedes the entry
		vtPos := w.pos()
		vt := [15]uint16{
			0:  30,
			1:  fOffChunks,
			2:  fOffID,
			4:  fOffSize,
			5:  fOffName,
			14: fOffType,
		}
		if f.Dir != 0 {
			vt[3] = fOffDir
		}
		if f.Locales != 0 {
			vt[6] = fOffMask
		}
		if f.Link != "" {
			vt[11] = fOffLink
		}
		for _, v := range vt {
			w.u16(v)
		}

		entryPos := w.pos()
		w.u32(uint32(entryPos - vtPos))
		w.u64(uint64(i) + 1)
		w.u64(f.Dir)
		size := uint32(0)
		for _, id := range f.Chunks {
			size += b.sizes[id]
		}
		if f.Size != nil {
			size = *f.Size
		}
		w.u32(size)
		w.u64(f.Locales)
		ftype := uint8(2)
		if f.Executable {
			ftype = 1
		}
		w.u8(ftype)
		w.pad(3)
		namePatch := w.pos()
		w.pad(4)
		linkPatch := w.pos()
		w.pad(4)
		w.u32(uint32(len(f.Chunks)))
		for _, id := range f.Chunks {
			w.u64(uint64(id))
		}

		w.patch32(namePatch, w.str(f.Name))
		if f.Link != "" {
			w.patch32(linkPatch, w.str(f.Link))
		}
		return entryPos
	})
}

// directory entry field layout mirrors the file layout: ID at 4, parent at
// 12, name offset at 20.
func (b *Builder) writeDirs(w *writer) int32 {
	return writeTable(w, len(b.dirs), func(i int) int32 {
		d := b.dirs[i]

		vtPos := w.pos()
		vt := [5]uint16{0: 10, 2: 4, 4: 20}
		if d.parent != 0 {
			vt[3] = 12
		}
		for _, v := range vt {
			w.u16(v)
		}

		entryPos := w.pos()
		w.u32(uint32(entryPos - vtPos))
		w.u64(d.id)
		w.u64(d.parent)
		namePatch := w.pos()
		w.pad(4)
		w.patch32(namePatch, w.str(d.name))
		return entryPos
	})
}
