package rman

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const (
	headerLen = 28

	// flagZstdBody must be set in the manifest flags: the body is always
	// a zstd stream in the supported format generation.
	flagZstdBody = 1 << 9
)

var magic = []byte("RMAN")

// Open reads and decodes a manifest from a file on disk.
func Open(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseManifest(f)
}

// ParseManifest decodes an RMAN blob: a fixed header followed by a
// zstd-compressed body holding the bundle, locale, file and directory
// tables. Truncated input, unsupported versions and internally inconsistent
// tables are rejected with a *FormatError.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, formatErr(0, "truncated header: %v", err)
	}
	if !bytes.Equal(hdr[:4], magic) {
		return nil, formatErr(0, "bad magic %q", hdr[:4])
	}

	major, minor := hdr[4], hdr[5]
	if major != 2 || minor != 0 {
		return nil, formatErr(4, "unsupported version %d.%d", major, minor)
	}
	flags := binary.LittleEndian.Uint16(hdr[6:8])
	if flags&flagZstdBody == 0 {
		return nil, formatErr(6, "unsupported flags %#x", flags)
	}
	bodyOffset := binary.LittleEndian.Uint32(hdr[8:12])
	compressedLen := binary.LittleEndian.Uint32(hdr[12:16])
	manifestID := binary.LittleEndian.Uint64(hdr[16:24])
	// The final header field is the declared decompressed body length. The
	// original tooling does not cross-check it, and neither do we.

	if bodyOffset < headerLen {
		return nil, formatErr(8, "body offset %d inside header", bodyOffset)
	} else if bodyOffset > headerLen {
		if _, err := io.CopyN(io.Discard, r, int64(bodyOffset-headerLen)); err != nil {
			return nil, formatErr(int64(headerLen), "truncated before body: %v", err)
		}
	}

	zr, err := zstd.NewReader(io.LimitReader(r, int64(compressedLen)))
	if err != nil {
		return nil, formatErr(int64(bodyOffset), "zstd init: %v", err)
	}
	body, err := io.ReadAll(zr)
	zr.Close()
	if err != nil {
		return nil, formatErr(int64(bodyOffset), "zstd body: %v", err)
	}

	m := &Manifest{
		ID:    manifestID,
		Major: major,
		Minor: minor,
		Flags: flags,
	}
	if err := m.parseBody(body); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) parseBody(body []byte) error {
	cur := bodyCursor{body: body}

	// Leading sub-header of unknown content; its length prefixes it.
	n, err := cur.i32()
	if err != nil {
		return err
	}
	if err := cur.skip(n); err != nil {
		return err
	}

	bundlesOff, err := cur.offset()
	if err != nil {
		return err
	}
	localesOff, err := cur.offset()
	if err != nil {
		return err
	}
	filesOff, err := cur.offset()
	if err != nil {
		return err
	}
	dirsOff, err := cur.offset()
	if err != nil {
		return err
	}
	// Two further tables follow with unknown content; they are ignored.

	if err := eachTableEntry(body, bundlesOff, m.parseBundle); err != nil {
		return err
	}
	if err := eachTableEntry(body, localesOff, m.parseLocale); err != nil {
		return err
	}
	if err := eachTableEntry(body, filesOff, m.parseFile); err != nil {
		return err
	}

	var dirs []dirEntry
	if err := eachTableEntry(body, dirsOff, func(cur bodyCursor) error {
		d, err := parseDirectory(cur)
		if err == nil {
			dirs = append(dirs, d)
		}
		return err
	}); err != nil {
		return err
	}
	return m.resolvePaths(dirs)
}

// eachTableEntry walks an offset table: a count followed by one relative
// offset per entry.
func eachTableEntry(body []byte, off int32, fn func(bodyCursor) error) error {
	cur := bodyCursor{body: body, off: off}
	count, err := cur.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		sub, err := cur.sub()
		if err != nil {
			return err
		}
		if err := fn(sub); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manifest) parseBundle(cur bodyCursor) error {
	if err := cur.skip(4); err != nil {
		return err
	}
	headerSize, err := cur.i32()
	if err != nil {
		return err
	}
	if headerSize < 12 {
		return formatErr(int64(cur.off), "bundle header size %d too small", headerSize)
	}
	id, err := cur.u64()
	if err != nil {
		return err
	}
	if err := cur.skip(headerSize - 12); err != nil {
		return err
	}

	b := Bundle{ID: BundleID(id)}
	var offset uint32
	err = eachTableEntry(cur.body, cur.off, func(cur bodyCursor) error {
		if err := cur.skip(4); err != nil {
			return err
		}
		compressed, err := cur.u32()
		if err != nil {
			return err
		}
		uncompressed, err := cur.u32()
		if err != nil {
			return err
		}
		cid, err := cur.u64()
		if err != nil {
			return err
		}
		b.Chunks = append(b.Chunks, Chunk{
			ID:               ChunkID(cid),
			Bundle:           b.ID,
			Offset:           offset,
			CompressedSize:   compressed,
			UncompressedSize: uncompressed,
		})
		offset += compressed
		return nil
	})
	if err != nil {
		return err
	}
	b.Size = uint64(offset)
	m.Bundles = append(m.Bundles, b)
	return nil
}

func (m *Manifest) parseLocale(cur bodyCursor) error {
	if err := cur.skip(7); err != nil {
		return err
	}
	id, err := cur.u8()
	if err != nil {
		return err
	}
	sub, err := cur.sub()
	if err != nil {
		return err
	}
	code, err := sub.str()
	if err != nil {
		return err
	}
	locale, err := ParseLocale(code)
	if err != nil {
		return formatErr(int64(sub.off), "locale %q: %v", code, err)
	}
	m.LocaleTable = append(m.LocaleTable, LocaleEntry{ID: id, Locale: locale})
	return nil
}

// parsedFile carries the raw directory reference until paths are resolved.
type parsedFile struct {
	file   File
	dirID  uint64
	hasDir bool
}

// File entry fields, by vtable index:
//
//	0  field table size
//	1  chunk ID list
//	2  file ID
//	3  directory ID
//	4  file size
//	5  name
//	6  locale mask
//	11 symlink target
//	14 file type (1 executable, 2 regular)
func (m *Manifest) parseFile(cur bodyCursor) error {
	fc, err := cur.fields()
	if err != nil {
		return err
	}
	vtSize, err := fc.fieldOffset(0)
	if err != nil {
		return err
	}
	if vtSize < 14 {
		return formatErr(int64(fc.fieldsOff), "file entry field table too small (%d)", vtSize)
	}

	id, ok, err := fc.getU64(2)
	if err != nil {
		return err
	} else if !ok {
		return formatErr(int64(fc.entryOff), "file entry missing ID")
	}
	dirID, hasDir, err := fc.getU64(3)
	if err != nil {
		return err
	}
	size, ok, err := fc.getU32(4)
	if err != nil {
		return err
	} else if !ok {
		return formatErr(int64(fc.entryOff), "file entry missing size")
	}
	name, ok, err := fc.getStr(5)
	if err != nil {
		return err
	} else if !ok {
		return formatErr(int64(fc.entryOff), "file entry missing name")
	}
	mask, _, err := fc.getU64(6)
	if err != nil {
		return err
	}
	link, _, err := fc.getStr(11)
	if err != nil {
		return err
	}
	ftype, _, err := fc.getU8(14)
	if err != nil {
		return err
	}

	var ids []ChunkID
	if chunksCur, ok, err := fc.getSub(1); err != nil {
		return err
	} else if ok {
		count, err := chunksCur.u32()
		if err != nil {
			return err
		}
		ids = make([]ChunkID, 0, count)
		for i := uint32(0); i < count; i++ {
			cid, err := chunksCur.u64()
			if err != nil {
				return err
			}
			ids = append(ids, ChunkID(cid))
		}
	}

	m.pending = append(m.pending, parsedFile{
		file: File{
			ID:         id,
			Name:       name,
			Size:       size,
			Link:       link,
			Executable: ftype == 1,
			Locales:    LocaleSet(mask),
			ChunkIDs:   ids,
		},
		dirID:  dirID,
		hasDir: hasDir,
	})
	return nil
}

type dirEntry struct {
	id        uint64
	parentID  uint64
	hasParent bool
	name      string
}

// Directory entry fields: 2 = ID, 3 = parent ID, 4 = name.
func parseDirectory(cur bodyCursor) (dirEntry, error) {
	fc, err := cur.fields()
	if err != nil {
		return dirEntry{}, err
	}
	id, _, err := fc.getU64(2)
	if err != nil {
		return dirEntry{}, err
	}
	parent, hasParent, err := fc.getU64(3)
	if err != nil {
		return dirEntry{}, err
	}
	name, ok, err := fc.getStr(4)
	if err != nil {
		return dirEntry{}, err
	} else if !ok {
		return dirEntry{}, formatErr(int64(fc.entryOff), "directory entry missing name")
	}
	return dirEntry{id: id, parentID: parent, hasParent: hasParent, name: name}, nil
}

// resolvePaths builds full directory paths and assigns each pending file its
// path. Parent chains are walked iteratively with a step bound so that a
// cycle in the directory table is reported instead of looping forever.
func (m *Manifest) resolvePaths(dirs []dirEntry) error {
	byID := make(map[uint64]dirEntry, len(dirs))
	for _, d := range dirs {
		byID[d.id] = d
	}

	paths := make(map[uint64]string, len(dirs))
	for _, d := range dirs {
		path := d.name
		cur := d
		for steps := 0; cur.hasParent; steps++ {
			if steps > len(dirs) {
				return formatErr(-1, "directory table cycle at %d", d.id)
			}
			parent, ok := byID[cur.parentID]
			if !ok {
				return formatErr(-1, "directory %d references unknown parent %d", cur.id, cur.parentID)
			}
			if parent.name != "" {
				path = parent.name + "/" + path
			}
			cur = parent
		}
		paths[d.id] = path
	}

	m.byPath = make(map[string]int, len(m.pending))
	m.Files = make([]File, 0, len(m.pending))
	for _, pf := range m.pending {
		f := pf.file
		if pf.hasDir {
			dir, ok := paths[pf.dirID]
			if !ok {
				return formatErr(-1, "file %q references unknown directory %d", f.Name, pf.dirID)
			}
			f.Path = dir + "/" + f.Name
		} else {
			f.Path = f.Name
		}
		if _, exists := m.byPath[f.Path]; exists {
			return formatErr(-1, "duplicate file path %q", f.Path)
		}
		m.byPath[f.Path] = len(m.Files)
		m.Files = append(m.Files, f)
	}
	m.pending = nil
	return nil
}

// validate builds the global chunk index and cross-checks file references
// against it.
func (m *Manifest) validate() error {
	m.chunks = make(map[ChunkID]Chunk)
	for _, b := range m.Bundles {
		for _, c := range b.Chunks {
			if prev, ok := m.chunks[c.ID]; ok {
				// The same content commonly recurs across bundles; the
				// copies must at least agree on the decompressed size.
				if prev.UncompressedSize != c.UncompressedSize {
					return formatErr(-1, "chunk %s has conflicting sizes %d and %d",
						c.ID, prev.UncompressedSize, c.UncompressedSize)
				}
				continue
			}
			m.chunks[c.ID] = c
		}
	}

	for _, f := range m.Files {
		if f.Link != "" {
			continue
		}
		var total uint64
		for _, id := range f.ChunkIDs {
			c, ok := m.chunks[id]
			if !ok {
				return formatErr(-1, "file %q references unknown chunk %s", f.Path, id)
			}
			total += uint64(c.UncompressedSize)
		}
		if total != uint64(f.Size) {
			return formatErr(-1, "file %q declares %d bytes but chunks total %d", f.Path, f.Size, total)
		}
	}
	return nil
}
