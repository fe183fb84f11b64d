// Package rman decodes Riot release manifests (RMAN files) and exposes the
// logical model they describe: files as ordered sequences of
// content-addressed chunks, chunks packed into remote bundle objects.
package rman

import (
	"fmt"
	"strings"
)

type (
	// A ChunkID is the 64-bit content digest identifying a chunk. Two
	// chunks with equal IDs are byte-identical once decompressed, which is
	// what makes deduplication across files and manifests sound.
	ChunkID uint64

	// A BundleID identifies a remote bundle object. It forms part of the
	// bundle's CDN path.
	BundleID uint64
)

// String returns the ID as 16 lowercase hex digits.
func (id ChunkID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

// String returns the ID as 16 lowercase hex digits.
func (id BundleID) String() string { return fmt.Sprintf("%016x", uint64(id)) }

type (
	// A Chunk is a unit of content: a compressed byte range within a
	// bundle that decompresses to UncompressedSize bytes whose digest is
	// ID.
	Chunk struct {
		ID               ChunkID
		Bundle           BundleID
		Offset           uint32
		CompressedSize   uint32
		UncompressedSize uint32
	}

	// A Bundle is a remote object: an append-only concatenation of
	// independently compressed chunks. Chunks partition the bundle's byte
	// stream, so any chunk can be fetched with a byte-range request.
	Bundle struct {
		ID     BundleID
		Chunks []Chunk
		// Size is the total compressed length of the bundle.
		Size uint64
	}

	// A File is an entry in the manifest's virtual tree. Its content is
	// the concatenation of its chunks in order.
	File struct {
		ID   uint64
		Path string
		Name string
		// Size is the decompressed size of the whole file.
		Size uint32
		// Link is the symlink target for link entries, empty otherwise.
		Link       string
		Executable bool
		// Locales restricts the file to a set of locales; the zero set
		// means the file applies to all.
		Locales  LocaleSet
		ChunkIDs []ChunkID
	}

	// A Manifest is the decoded form of an RMAN blob. It is read-only
	// after decode and owns all records built from the blob.
	Manifest struct {
		ID           uint64
		Major, Minor uint8
		Flags        uint16

		Bundles     []Bundle
		Files       []File
		LocaleTable []LocaleEntry

		chunks  map[ChunkID]Chunk
		byPath  map[string]int
		pending []parsedFile
	}
)

// Chunk resolves a chunk ID to its descriptor: owning bundle, byte range and
// sizes. Where the same ID occurs in several bundles, the first occurrence
// in manifest order is returned; the copies are fungible.
func (m *Manifest) Chunk(id ChunkID) (Chunk, bool) {
	c, ok := m.chunks[id]
	return c, ok
}

// ChunkCount returns the number of distinct chunk IDs in the manifest.
func (m *Manifest) ChunkCount() int { return len(m.chunks) }

// File looks up a file by its full path.
func (m *Manifest) File(path string) (File, bool) {
	i, ok := m.byPath[path]
	if !ok {
		return File{}, false
	}
	return m.Files[i], true
}

// FileChunks returns the ordered chunk descriptors making up a file. The
// order is significant: concatenating the decompressed chunks in this order
// yields the file's content.
func (m *Manifest) FileChunks(f File) []Chunk {
	chunks := make([]Chunk, 0, len(f.ChunkIDs))
	for _, id := range f.ChunkIDs {
		chunks = append(chunks, m.chunks[id])
	}
	return chunks
}

// FilterFiles enumerates files, optionally restricted to a path prefix and
// a locale. An empty locale matches everything; a file with no locale mask
// matches any locale.
func (m *Manifest) FilterFiles(prefix string, locale Locale) []File {
	var localeID uint8
	haveLocale := false
	if locale != "" {
		for _, e := range m.LocaleTable {
			if e.Locale == locale {
				localeID, haveLocale = e.ID, true
				break
			}
		}
		if !haveLocale {
			return nil
		}
	}

	var out []File
	for _, f := range m.Files {
		if prefix != "" && !strings.HasPrefix(f.Path, prefix) {
			continue
		}
		if haveLocale && f.Locales != 0 && !f.Locales.Has(localeID) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// DownloadSize returns the total compressed size of the chunks needed to
// materialize the given files, counting each distinct chunk once.
func (m *Manifest) DownloadSize(files []File) uint64 {
	seen := make(map[ChunkID]struct{})
	var total uint64
	for _, f := range files {
		for _, id := range f.ChunkIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			total += uint64(m.chunks[id].CompressedSize)
		}
	}
	return total
}
