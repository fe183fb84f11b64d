// Package config defines the yaml configuration shared by the CLI and the
// library constructors.
package config

import "time"

type (
	// CDN configures access to the bundle object store.
	CDN struct {
		// BaseURL is the root of the CDN; bundle objects live under
		// channels/public/bundles/.
		BaseURL string `yaml:"baseURL"`
		// MaxRetries bounds retry attempts per range request.
		MaxRetries int `yaml:"maxRetries"`
		// RequestTimeout bounds a single fetch attempt. Zero means no
		// timeout beyond what the transport imposes.
		RequestTimeout time.Duration `yaml:"requestTimeout"`
	}

	// Download configures the materialization engine.
	Download struct {
		// MaxConcurrent is the maximum number of concurrent range fetches.
		MaxConcurrent int `yaml:"maxConcurrent"`
		// CoalesceGap is the largest byte gap between two chunks that
		// still gets fetched as one range. Larger values mean fewer
		// requests but some discarded bytes.
		CoalesceGap uint32 `yaml:"coalesceGap"`
		// CacheSize is the number of hot decompressed chunks kept in
		// memory during a materialization.
		CacheSize int `yaml:"cacheSize"`
		// ChunkRetries bounds refetch attempts for a chunk that fails its
		// integrity check after decompression.
		ChunkRetries int `yaml:"chunkRetries"`
		// VerifyChunks re-hashes every decompressed chunk against its ID.
		VerifyChunks bool `yaml:"verifyChunks"`
	}

	// Storage configures the local stores.
	Storage struct {
		// ChunkDir is the chunk cache directory.
		ChunkDir string `yaml:"chunkDir"`
		// StateDir is the installation state database directory.
		StateDir string `yaml:"stateDir"`
	}

	// Log contains the log settings.
	Log struct {
		Level string `yaml:"level"`
	}

	// Config is the root configuration.
	Config struct {
		CDN      CDN      `yaml:"cdn"`
		Download Download `yaml:"download"`
		Storage  Storage  `yaml:"storage"`
		Log      Log      `yaml:"log"`
	}
)
