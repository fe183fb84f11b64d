// Package download materializes manifest files from the CDN: it computes
// the minimal set of bundle range fetches, executes them concurrently,
// verifies every chunk, and assembles destination files atomically.
package download

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"go.cdragon.dev/cdragon/cdn"
	"go.cdragon.dev/cdragon/chunkstore"
	"go.cdragon.dev/cdragon/config"
	"go.cdragon.dev/cdragon/persist/badger"
	"go.cdragon.dev/cdragon/rman"
)

// A BundleFetcher performs byte-range reads against remote bundle objects.
// *cdn.Client implements it; tests substitute in-memory fetchers.
type BundleFetcher interface {
	FetchRanges(ctx context.Context, bundle rman.BundleID, ranges []cdn.ByteRange) ([][]byte, error)
}

// A StateStore records the chunk composition of materialized files,
// enabling delta updates. It is optional.
type StateStore interface {
	PutFiles(records []badger.FileRecord) error
	File(path string) (badger.FileRecord, error)
}

// A Downloader drives chunk fetching and file assembly. It is safe for
// concurrent use; each Materialize call schedules its own fetch plan.
type Downloader struct {
	fetcher BundleFetcher
	store   *chunkstore.Store
	state   StateStore // may be nil
	cfg     config.Download
	log     *zap.Logger

	dec *zstd.Decoder

	// hot decompressed chunks, shared across calls so files that share
	// content skip even the disk read
	cache *lru.Cache[rman.ChunkID, []byte]
}

// NewDownloader creates a Downloader. state may be nil, in which case every
// update falls back to full re-materialization.
func NewDownloader(fetcher BundleFetcher, store *chunkstore.Store, state StateStore, cfg config.Download, log *zap.Logger) (*Downloader, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 64
	}
	if cfg.ChunkRetries <= 0 {
		cfg.ChunkRetries = 1
	}

	cache, err := lru.New[rman.ChunkID, []byte](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Downloader{
		fetcher: fetcher,
		store:   store,
		state:   state,
		cfg:     cfg,
		log:     log,
		dec:     dec,
		cache:   cache,
	}, nil
}

// chunkResult is the awaitable handle for an in-flight chunk: waiters block
// on ch, then find the bytes in the store (or err set).
type chunkResult struct {
	ch  chan struct{}
	err error
}

func (r *chunkResult) resolve(err error) {
	r.err = err
	close(r.ch)
}

// A run holds the per-call fetch state: one result handle per chunk that
// must come over the network. Chunks shared between requested files map to
// a single handle, so they are fetched at most once per call.
type run struct {
	manifest *rman.Manifest
	results  map[rman.ChunkID]*chunkResult

	mu     sync.Mutex
	report *Report
}

func (r *run) addDownloaded(n uint64) {
	r.mu.Lock()
	r.report.BytesDownloaded += n
	r.mu.Unlock()
}

func (r *run) addReused(n uint64) {
	r.mu.Lock()
	r.report.BytesReused += n
	r.mu.Unlock()
}

func (r *run) fileDone(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.report.Errors[path] = err
	} else {
		r.report.FilesWritten++
	}
}

// fetchWorker consumes fetch tasks: one task per bundle, holding that
// bundle's coalesced ranges.
func (d *Downloader) fetchWorker(ctx context.Context, rn *run, tasks <-chan *fetchTask, n int) {
	log := d.log.Named("worker").With(zap.Int("id", n))
	for task := range tasks {
		if ctx.Err() != nil {
			task.fail(rn, ctx.Err())
			continue
		}
		d.doFetchTask(ctx, rn, task, log)
	}
}

func (d *Downloader) doFetchTask(ctx context.Context, rn *run, task *fetchTask, log *zap.Logger) {
	log = log.With(zap.Stringer("bundle", task.bundle), zap.Int("ranges", len(task.groups)))

	ranges := make([]cdn.ByteRange, 0, len(task.groups))
	var total uint64
	for _, g := range task.groups {
		ranges = append(ranges, cdn.ByteRange{Offset: g.off, Length: g.length})
		total += g.length
	}

	bufs, err := d.fetcher.FetchRanges(ctx, task.bundle, ranges)
	if err != nil {
		log.Error("failed to fetch ranges", zap.Error(err))
		task.fail(rn, err)
		return
	}
	rn.addDownloaded(total)

	for i, g := range task.groups {
		buf := bufs[i]
		for _, c := range g.chunks {
			start := uint64(c.Offset) - g.off
			compressed := buf[start : start+uint64(c.CompressedSize)]
			err := d.processChunk(c, compressed)
			if err != nil {
				log.Warn("chunk failed verification, refetching", zap.Stringer("chunk", c.ID), zap.Error(err))
				err = d.refetchChunk(ctx, rn, c)
			}
			rn.results[c.ID].resolve(err)
		}
	}
}

// refetchChunk retries a single chunk with its own range request after an
// integrity failure, up to the configured bound.
func (d *Downloader) refetchChunk(ctx context.Context, rn *run, c rman.Chunk) error {
	var err error
	for attempt := 0; attempt < d.cfg.ChunkRetries; attempt++ {
		var bufs [][]byte
		bufs, err = d.fetcher.FetchRanges(ctx, c.Bundle, []cdn.ByteRange{
			{Offset: uint64(c.Offset), Length: uint64(c.CompressedSize)},
		})
		if err != nil {
			continue
		}
		rn.addDownloaded(uint64(c.CompressedSize))
		if err = d.processChunk(c, bufs[0]); err == nil {
			return nil
		}
	}
	return err
}

// processChunk decompresses, verifies and stores a fetched chunk.
func (d *Downloader) processChunk(c rman.Chunk, compressed []byte) error {
	data, err := d.dec.DecodeAll(compressed, nil)
	if err != nil {
		return &chunkstore.IntegrityError{Chunk: c.ID, Reason: fmt.Sprintf("decompression failed: %v", err)}
	}
	if uint32(len(data)) != c.UncompressedSize {
		return &chunkstore.IntegrityError{
			Chunk:  c.ID,
			Reason: fmt.Sprintf("decompressed to %d bytes, expected %d", len(data), c.UncompressedSize),
		}
	}
	if d.cfg.VerifyChunks {
		if sum := xxhash.Sum64(data); rman.ChunkID(sum) != c.ID {
			return &chunkstore.IntegrityError{Chunk: c.ID, Reason: fmt.Sprintf("digest mismatch: got %016x", sum)}
		}
	}
	if err := d.store.Write(c.ID, data); err != nil {
		return err
	}
	d.cache.Add(c.ID, data)
	return nil
}

// chunkData returns a chunk's decompressed bytes for assembly, waiting on
// the in-flight fetch if one is scheduled.
func (d *Downloader) chunkData(ctx context.Context, rn *run, c rman.Chunk) ([]byte, error) {
	if data, ok := d.cache.Get(c.ID); ok {
		return data, nil
	}
	if res, ok := rn.results[c.ID]; ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-res.ch:
		}
		if res.err != nil {
			return nil, res.err
		}
	}
	data, err := d.store.Read(c.ID)
	if err != nil {
		return nil, err
	}
	if uint32(len(data)) != c.UncompressedSize {
		return nil, &chunkstore.IntegrityError{
			Chunk:  c.ID,
			Reason: fmt.Sprintf("cached entry is %d bytes, expected %d", len(data), c.UncompressedSize),
		}
	}
	d.cache.Add(c.ID, data)
	return data, nil
}
