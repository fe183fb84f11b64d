package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"go.cdragon.dev/cdragon/persist/badger"
	"go.cdragon.dev/cdragon/rman"
)

// A Report summarizes one materialization. Per-file failures are collected
// here rather than aborting sibling files.
type Report struct {
	// BytesDownloaded is the compressed byte count fetched from the CDN.
	BytesDownloaded uint64
	// BytesReused is the compressed byte count that did not need fetching
	// because the chunks were cached, salvaged from the previous file
	// version, or shared between requested files.
	BytesReused  uint64
	FilesWritten int
	// Errors maps a file's manifest path to the error that failed it.
	Errors map[string]error
}

// Materialize writes the requested files under destRoot, fetching only the
// chunks that are not already available locally. Files fail independently;
// the returned error is non-nil only when the whole operation could not run
// (cancellation, or a destination that cannot be prepared).
func (d *Downloader) Materialize(ctx context.Context, m *rman.Manifest, files []rman.File, destRoot string) (*Report, error) {
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return nil, err
	}

	rn := &run{
		manifest: m,
		results:  make(map[rman.ChunkID]*chunkResult),
		report:   &Report{Errors: make(map[string]error)},
	}

	// distinct required chunks, in first-use order
	need := make(map[rman.ChunkID]rman.Chunk)
	var required []rman.Chunk
	for _, f := range files {
		if f.Link != "" {
			continue
		}
		for _, c := range m.FileChunks(f) {
			if _, ok := need[c.ID]; ok {
				continue
			}
			need[c.ID] = c
			required = append(required, c)
		}
	}

	// patch mode: pull reusable chunks out of previous file versions
	// before deciding what to fetch
	if d.state != nil && d.cfg.VerifyChunks {
		for _, f := range files {
			d.salvageFile(destRoot, f, need)
		}
	}

	var missing []rman.ChunkID
	for _, c := range required {
		if d.store.Has(c.ID) {
			rn.addReused(uint64(c.CompressedSize))
			continue
		}
		missing = append(missing, c.ID)
		rn.results[c.ID] = &chunkResult{ch: make(chan struct{})}
	}
	d.log.Info("materializing",
		zap.Int("files", len(files)),
		zap.Int("chunks", len(required)),
		zap.Int("fetch", len(missing)))

	tasks := planFetches(m, missing, d.cfg.CoalesceGap)
	taskCh := make(chan *fetchTask, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)

	var workers sync.WaitGroup
	for i := 0; i < d.cfg.MaxConcurrent; i++ {
		workers.Add(1)
		go func(n int) {
			defer workers.Done()
			d.fetchWorker(ctx, rn, taskCh, n)
		}(i)
	}

	var (
		recMu sync.Mutex
		recs  []badger.FileRecord
	)
	var assemblers sync.WaitGroup
	for _, f := range files {
		assemblers.Add(1)
		go func(f rman.File) {
			defer assemblers.Done()
			err := d.assembleFile(ctx, rn, destRoot, f)
			rn.fileDone(f.Path, err)
			if err == nil && f.Link == "" {
				rec := badger.FileRecord{
					Path:       f.Path,
					ManifestID: m.ID,
					Size:       f.Size,
				}
				for _, c := range m.FileChunks(f) {
					rec.Chunks = append(rec.Chunks, badger.ChunkRef{ID: c.ID, Size: c.UncompressedSize})
				}
				recMu.Lock()
				recs = append(recs, rec)
				recMu.Unlock()
			}
		}(f)
	}

	assemblers.Wait()
	workers.Wait()

	if d.state != nil && len(recs) > 0 {
		if err := d.state.PutFiles(recs); err != nil {
			d.log.Error("failed to record file compositions", zap.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return rn.report, err
	}
	return rn.report, nil
}

// assembleFile writes one destination file: each chunk in manifest order,
// through a guarded temporary renamed into place on success.
func (d *Downloader) assembleFile(ctx context.Context, rn *run, destRoot string, f rman.File) error {
	if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
		return fmt.Errorf("unsafe path %q", f.Path)
	}
	dest := filepath.Join(destRoot, filepath.FromSlash(f.Path))

	if f.Link != "" {
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Symlink(filepath.FromSlash(f.Link), dest)
	}

	g, err := createGuarded(dest)
	if err != nil {
		return err
	}
	defer g.Discard()

	var written uint64
	for _, c := range rn.manifest.FileChunks(f) {
		data, err := d.chunkData(ctx, rn, c)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		if _, err := g.Write(data); err != nil {
			return err
		}
		written += uint64(len(data))
	}
	if written != uint64(f.Size) {
		return fmt.Errorf("assembled %d bytes, manifest declares %d", written, f.Size)
	}

	if err := g.Commit(); err != nil {
		return err
	}
	if f.Executable {
		if err := os.Chmod(dest, 0755); err != nil {
			return err
		}
	}
	d.log.Debug("materialized file", zap.String("path", f.Path), zap.Uint64("size", written))
	return nil
}

// salvageFile seeds the chunk store with chunks that the previous version
// of a destination file already contains, using its recorded composition.
// Every salvaged chunk is re-hashed before it is trusted. Salvage is best
// effort: any failure just falls back to fetching.
func (d *Downloader) salvageFile(destRoot string, f rman.File, need map[rman.ChunkID]rman.Chunk) {
	if f.Link != "" {
		return
	}
	rec, err := d.state.File(f.Path)
	if err != nil {
		if !errors.Is(err, badger.ErrNotFound) {
			d.log.Warn("failed to load file record", zap.String("path", f.Path), zap.Error(err))
		}
		return
	}
	if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
		return
	}

	old, err := os.Open(filepath.Join(destRoot, filepath.FromSlash(f.Path)))
	if err != nil {
		return
	}
	defer old.Close()

	log := d.log.Named("salvage").With(zap.String("path", f.Path))
	var off int64
	var salvaged int
	for _, cref := range rec.Chunks {
		c, wanted := need[cref.ID]
		if wanted && c.UncompressedSize == cref.Size && !d.store.Has(cref.ID) {
			data := make([]byte, cref.Size)
			if _, err := old.ReadAt(data, off); err != nil && err != io.EOF {
				return
			}
			if rman.ChunkID(xxhash.Sum64(data)) == cref.ID {
				if err := d.store.Write(cref.ID, data); err == nil {
					salvaged++
				}
			}
		}
		off += int64(cref.Size)
	}
	if salvaged > 0 {
		log.Debug("salvaged chunks from previous version", zap.Int("count", salvaged))
	}
}
