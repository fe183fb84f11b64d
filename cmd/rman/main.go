package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"go.cdragon.dev/cdragon/cdn"
	"go.cdragon.dev/cdragon/chunkstore"
	"go.cdragon.dev/cdragon/config"
	"go.cdragon.dev/cdragon/download"
	"go.cdragon.dev/cdragon/persist/badger"
	"go.cdragon.dev/cdragon/rman"
)

var (
	dir = "."
	cfg = config.Config{
		CDN: config.CDN{
			BaseURL:        cdn.DefaultBaseURL,
			MaxRetries:     3,
			RequestTimeout: 2 * time.Minute,
		},
		Download: config.Download{
			MaxConcurrent: 8,
			CoalesceGap:   1 << 16,
			CacheSize:     64,
			ChunkRetries:  1,
			VerifyChunks:  true,
		},
		Log: config.Log{
			Level: "info",
		},
	}
)

// mustLoadConfig loads the config file.
func mustLoadConfig(dir string, log *zap.Logger) {
	configPath := filepath.Join(dir, "rman.yml")

	// If the config file doesn't exist, don't try to load it.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return
	}

	f, err := os.Open(configPath)
	if err != nil {
		log.Fatal("failed to open config file", zap.Error(err))
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		log.Fatal("failed to decode config file", zap.Error(err))
	}
}

// loadManifest opens a manifest from a local path, or fetches it first when
// given a URL.
func loadManifest(ctx context.Context, client *cdn.Client, arg string, log *zap.Logger) *rman.Manifest {
	p := arg
	if strings.Contains(arg, "://") {
		p = filepath.Join(dir, "manifests", path.Base(arg))
		if _, err := os.Stat(p); os.IsNotExist(err) {
			log.Info("fetching manifest", zap.String("url", arg))
			if err := client.DownloadFile(ctx, arg, p); err != nil {
				log.Fatal("failed to fetch manifest", zap.Error(err))
			}
		}
	}
	m, err := rman.Open(p)
	if err != nil {
		log.Fatal("failed to parse manifest", zap.String("path", p), zap.Error(err))
	}
	return m
}

// matchFiles filters manifest files by locale and path patterns. Patterns
// match full paths, or any path suffix when they contain no slash.
func matchFiles(m *rman.Manifest, locale rman.Locale, patterns []string, log *zap.Logger) []rman.File {
	all := m.FilterFiles("", locale)
	if len(patterns) == 0 {
		return all
	}
	var files []rman.File
	for _, f := range all {
		for _, pat := range patterns {
			name := f.Path
			if !strings.Contains(pat, "/") {
				name = path.Base(f.Path)
			}
			ok, err := path.Match(pat, name)
			if err != nil {
				log.Fatal("bad pattern", zap.String("pattern", pat), zap.Error(err))
			}
			if ok || strings.HasPrefix(f.Path, strings.TrimSuffix(pat, "/")+"/") {
				files = append(files, f)
				break
			}
		}
	}
	return files
}

func cmdBundles(args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("bundles", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal("usage: rman bundles <manifest>")
	}

	ctx := context.Background()
	client := cdn.NewClient(cfg.CDN, log.Named("cdn"))
	m := loadManifest(ctx, client, fs.Arg(0), log)

	var total uint64
	for _, b := range m.Bundles {
		fmt.Printf("%s  %10d bytes  %5d chunks\n", b.ID, b.Size, len(b.Chunks))
		total += b.Size
	}
	fmt.Printf("%d bundles, %d chunks, %d bytes compressed\n", len(m.Bundles), m.ChunkCount(), total)
}

func cmdFiles(args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("files", flag.ExitOnError)
	localeFlag := fs.String("locale", "", "only list files for this locale (e.g. en_US)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		log.Fatal("usage: rman files [flags] <manifest> [pattern...]")
	}

	locale := parseLocaleFlag(*localeFlag, log)
	ctx := context.Background()
	client := cdn.NewClient(cfg.CDN, log.Named("cdn"))
	m := loadManifest(ctx, client, fs.Arg(0), log)

	files := matchFiles(m, locale, fs.Args()[1:], log)
	for _, f := range files {
		switch {
		case f.Link != "":
			fmt.Printf("%10s  %s -> %s\n", "link", f.Path, f.Link)
		case f.Executable:
			fmt.Printf("%10d* %s\n", f.Size, f.Path)
		default:
			fmt.Printf("%10d  %s\n", f.Size, f.Path)
		}
	}
	fmt.Printf("%d files, %d bytes to download\n", len(files), m.DownloadSize(files))
}

func cmdDownload(ctx context.Context, args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	out := fs.String("out", "out", "destination directory")
	localeFlag := fs.String("locale", "", "only download files for this locale (e.g. en_US)")
	fs.Parse(args)
	if fs.NArg() < 1 {
		log.Fatal("usage: rman download [flags] <manifest> [pattern...]")
	}

	locale := parseLocaleFlag(*localeFlag, log)
	client := cdn.NewClient(cfg.CDN, log.Named("cdn"))
	m := loadManifest(ctx, client, fs.Arg(0), log)
	files := matchFiles(m, locale, fs.Args()[1:], log)
	if len(files) == 0 {
		log.Fatal("no files match")
	}

	chunkDir := cfg.Storage.ChunkDir
	if chunkDir == "" {
		chunkDir = filepath.Join(dir, "chunks")
	}
	store, err := chunkstore.Open(chunkDir, cfg.Download.VerifyChunks, log.Named("chunkstore"))
	if err != nil {
		log.Fatal("failed to open chunk store", zap.Error(err))
	}

	stateDir := cfg.Storage.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(dir, "state")
	}
	db, err := badger.OpenDatabase(stateDir, log.Named("badger"))
	if err != nil {
		log.Fatal("failed to open state database", zap.Error(err))
	}
	defer db.Close()

	dl, err := download.NewDownloader(client, store, db, cfg.Download, log.Named("download"))
	if err != nil {
		log.Fatal("failed to create downloader", zap.Error(err))
	}

	report, err := dl.Materialize(ctx, m, files, *out)
	if err != nil {
		log.Fatal("download aborted", zap.Error(err))
	}
	for p, ferr := range report.Errors {
		log.Error("file failed", zap.String("path", p), zap.Error(ferr))
	}
	log.Info("download finished",
		zap.Int("written", report.FilesWritten),
		zap.Int("failed", len(report.Errors)),
		zap.Uint64("downloaded", report.BytesDownloaded),
		zap.Uint64("reused", report.BytesReused))
	if len(report.Errors) > 0 {
		os.Exit(1)
	}
}

func cmdRelease(ctx context.Context, args []string, log *zap.Logger) {
	fs := flag.NewFlagSet("release", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		log.Fatal("usage: rman release <channel>")
	}

	client := cdn.NewClient(cfg.CDN, log.Named("cdn"))
	info, err := client.ChannelRelease(ctx, fs.Arg(0))
	if err != nil {
		log.Fatal("failed to fetch release", zap.Error(err))
	}
	fmt.Printf("version:   %d\n", info.Version)
	fmt.Printf("timestamp: %s\n", info.Timestamp)
	fmt.Printf("client:    %s\n", info.ClientPatchURL)
	fmt.Printf("game:      %s\n", info.GamePatchURL)
}

func parseLocaleFlag(s string, log *zap.Logger) rman.Locale {
	if s == "" {
		return ""
	}
	locale, err := rman.ParseLocale(s)
	if err != nil {
		log.Fatal("invalid locale", zap.String("locale", s), zap.Error(err))
	}
	return locale
}

func main() {
	// configure console logging note: this is configured before anything else
	// to have consistent logging. Levels are adjusted after the cli flags and
	// config are parsed
	consoleCfg := zap.NewProductionEncoderConfig()
	consoleCfg.TimeKey = "" // prevent duplicate timestamps
	consoleCfg.EncodeTime = zapcore.RFC3339TimeEncoder
	consoleCfg.EncodeDuration = zapcore.StringDurationEncoder
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCfg.StacktraceKey = ""
	consoleCfg.CallerKey = ""
	consoleEncoder := zapcore.NewConsoleEncoder(consoleCfg)

	consoleCore := zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(zap.InfoLevel))
	log := zap.New(consoleCore, zap.AddCaller())
	defer log.Sync()
	// redirect stdlib log to zap
	zap.RedirectStdLog(log.Named("stdlib"))

	flag.StringVar(&dir, "dir", dir, "directory to use for data")
	flag.Parse()

	mustLoadConfig(dir, log)

	var level zap.AtomicLevel
	switch cfg.Log.Level {
	case "debug":
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		log.Fatal("invalid log level", zap.String("level", cfg.Log.Level))
	}

	log = log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level)
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch flag.Arg(0) {
	case "bundles":
		cmdBundles(flag.Args()[1:], log)
	case "files":
		cmdFiles(flag.Args()[1:], log)
	case "download":
		cmdDownload(ctx, flag.Args()[1:], log)
	case "release":
		cmdRelease(ctx, flag.Args()[1:], log)
	default:
		fmt.Fprintln(os.Stderr, "usage: rman [-dir dir] <bundles|files|download|release> ...")
		os.Exit(2)
	}
}
