package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/RyanBlaney/echoprobe/cache"
	"github.com/RyanBlaney/echoprobe/features"
	"github.com/RyanBlaney/echoprobe/logging"
	"github.com/RyanBlaney/echoprobe/spine"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "analyze":
		runAnalyze(os.Args[2:])
	case "probe":
		runProbe(os.Args[2:])
	case "cache-gc":
		runCacheGC(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// envOr resolves a flag default: explicit flag > environment > fallback.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt64 reads a positive integer from the environment; unset or
// unparseable values mean zero (disabled).
func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		logging.Warn("ignoring invalid environment value", logging.Fields{
			"component": "cli",
			"variable":  key,
			"value":     v,
		})
		return 0
	}
	return n
}

func runAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	audioPath := fs.String("audio", "", "audio file to analyze (wav or mp3)")
	cacheDir := fs.String("cache", envOr("ECHOPROBE_CACHE_DIR", ".echoprobe_cache"), "feature cache directory (empty disables caching)")
	sidecarCmd := fs.String("sidecar", os.Getenv("ECHOPROBE_SIDECAR_CMD"), "external tempo sidecar command template with {audio} and {out} placeholders")
	sidecarJSON := fs.String("sidecar-json", "", "pre-computed sidecar payload JSON to merge instead of running a subprocess")
	requireSidecar := fs.Bool("require-sidecar", false, "fail instead of falling back to the internal estimator")
	strict := fs.Bool("strict", false, "enforce strict QA and the tempo confidence floor")
	force := fs.Bool("force", false, "recompute even when a cached record exists")
	outPath := fs.String("out", "", "write the feature record JSON here instead of stdout")
	timeout := fs.Duration("timeout", 0, "per-track wall clock budget, 0 disables")
	logLevel := fs.String("log-level", envOr("ECHOPROBE_LOG_LEVEL", "warn"), "log level: debug, info, warn, error")
	fs.Parse(args)

	logging.SetLevel(logging.ParseLevel(*logLevel))
	if *audioPath == "" {
		fmt.Fprintln(os.Stderr, "analyze: -audio is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := features.DefaultConfig()
	cfg.CacheDir = *cacheDir
	if *cacheDir == "" {
		cfg.CacheBackend = cache.KindNoop
	}
	cfg.Force = *force
	cfg.QAStrictMode = *strict
	cfg.TrackTimeout = *timeout
	cfg.RequireSidecar = *requireSidecar
	if *sidecarCmd != "" {
		cfg.TempoBackend = features.BackendExternal
		cfg.Sidecar.CommandTemplate = *sidecarCmd
		cfg.Sidecar.AllowCustomCmd = true
	}
	if *sidecarJSON != "" {
		cfg.TempoBackend = features.BackendExternal
		cfg.ExternalJSONPath = *sidecarJSON
	}
	cfg.Sidecar.CPULimitSeconds = envInt64("ECHOPROBE_SIDECAR_CPU_LIMIT")
	cfg.Sidecar.MemLimitBytes = envInt64("ECHOPROBE_SIDECAR_MEM_LIMIT")

	pipeline := features.NewPipeline(cfg)
	start := time.Now()
	record, err := pipeline.Analyze(context.Background(), *audioPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyze failed: %v\n", err)
		os.Exit(1)
	}

	encoded, err := record.Encode()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode record: %v\n", err)
		os.Exit(1)
	}

	if *outPath != "" {
		if err := os.WriteFile(*outPath, append(encoded, '\n'), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", *outPath, err)
			os.Exit(1)
		}
		printAnalyzeSummary(os.Stdout, record, time.Since(start))
		fmt.Printf("record:   %s (%s)\n", *outPath, humanize.Bytes(uint64(len(encoded))))
		return
	}

	os.Stdout.Write(append(encoded, '\n'))
	printAnalyzeSummary(os.Stderr, record, time.Since(start))
}

func printAnalyzeSummary(w io.Writer, rec *features.Record, elapsed time.Duration) {
	conf := "n/a"
	if rec.TempoConfidenceScore != nil {
		conf = fmt.Sprintf("%.3f (%s)", *rec.TempoConfidenceScore, rec.TempoConfidence)
	}
	fmt.Fprintf(w, "tempo:    %.1f bpm, confidence %s, backend %s\n", rec.TempoBPM, conf, rec.TempoBackend)
	fmt.Fprintf(w, "key:      %s %s\n", rec.Key, rec.Mode)
	fmt.Fprintf(w, "loudness: %.2f LUFS\n", rec.LoudnessLUFS)
	fmt.Fprintf(w, "duration: %.1fs, qa %s, cache %s, sidecar %s\n",
		rec.DurationSec, rec.QAStatus, rec.CacheStatus, rec.SidecarStatus)
	fmt.Fprintf(w, "elapsed:  %s\n", elapsed.Round(time.Millisecond))
}

func runProbe(args []string) {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	featuresPath := fs.String("features", "", "WIP features JSON, typically an analyze record")
	dbPath := fs.String("db", os.Getenv("ECHOPROBE_SPINE_DB"), "historical catalog sqlite database")
	tiers := fs.String("tiers", spine.Tier1Modern, "comma-separated tier labels to search")
	topK := fs.Int("top", 10, "number of neighbors to return")
	minYear := fs.Int("min-year", 1985, "inclusive lower year bound")
	maxYear := fs.Int("max-year", 2020, "inclusive upper year bound")
	outPath := fs.String("out", "", "write the neighbors JSON document here")
	maxOut := fs.Int("max-out", -1, "cap neighbors written to -out, -1 keeps all")
	fallback := fs.Bool("fallback", false, "augment sparse tiers from compact external features")
	fallbackMax := fs.Int("fallback-max", spine.DefaultFallbackCap, "cap on fallback rows per tier, 0 means uncapped")
	tempoConf := fs.Bool("tempo-conf", false, "downweight tempo when its confidence score is low")
	block := fs.Bool("block", false, "also print the hash-prefixed echo block")
	logLevel := fs.String("log-level", envOr("ECHOPROBE_LOG_LEVEL", "warn"), "log level: debug, info, warn, error")
	fs.Parse(args)

	logging.SetLevel(logging.ParseLevel(*logLevel))
	if *featuresPath == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "probe: -features and -db are required")
		fs.Usage()
		os.Exit(1)
	}

	wip, err := spine.LoadWIPFeatures(*featuresPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load features: %v\n", err)
		os.Exit(1)
	}

	store, err := spine.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open catalog: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	opts := spine.DefaultProbeOptions()
	opts.Tiers = splitList(*tiers)
	opts.MinYear = *minYear
	opts.MaxYear = *maxYear
	opts.TopK = *topK
	opts.UseCompactFallback = *fallback
	opts.CompactFallbackMax = *fallbackMax
	opts.UseTempoConfidence = *tempoConf

	engine := spine.NewEngine(store, opts)
	result, err := engine.Probe(context.Background(), wip)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(spine.FormatNeighborTable(result.WIPFeatures, result.Neighbors))
	fmt.Print(spine.SummarizeNeighbors(result.Neighbors))

	if *block {
		fmt.Println()
		fmt.Println(spine.NeighborLines(result, spine.HeaderLine(result), *topK))
	}

	if *outPath != "" {
		warnings, err := spine.WriteNeighborsFile(*outPath, result, *maxOut, 0)
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to write neighbors: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nneighbors written to %s\n", *outPath)
	}
}

func runCacheGC(args []string) {
	fs := flag.NewFlagSet("cache-gc", flag.ExitOnError)
	cacheDir := fs.String("cache", envOr("ECHOPROBE_CACHE_DIR", ".echoprobe_cache"), "feature cache directory")
	maxBytes := fs.Int64("max-bytes", cache.DefaultMaxBytes, "size ceiling before oldest entries are evicted")
	fs.Parse(args)

	backend := cache.New(*cacheDir, cache.KindDisk)
	stats, err := backend.GC(*maxBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cache gc failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("cache gc complete: %s reclaimed\n", humanize.Bytes(uint64(stats.ReclaimedBytes)))
	fmt.Printf("  temp files removed:     %s\n", humanize.Comma(int64(stats.TempRemoved)))
	fmt.Printf("  broken entries removed: %s\n", humanize.Comma(int64(stats.EntriesRemoved)))
	fmt.Printf("  entries evicted:        %s\n", humanize.Comma(int64(stats.Evicted)))
}

func splitList(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printUsage() {
	fmt.Println("echoprobe - audio feature records and historical echo matching")
	fmt.Println("\nUsage:")
	fmt.Println("  echoprobe analyze -audio <file> [-cache <dir>] [-sidecar <cmd>] [-strict] [-out <file>]")
	fmt.Println("  echoprobe probe -features <json> -db <sqlite> [-top <n>] [-min-year <y>] [-max-year <y>] [-out <file>]")
	fmt.Println("  echoprobe cache-gc [-cache <dir>] [-max-bytes <n>]")
	fmt.Println("\nEnvironment:")
	fmt.Println("  ECHOPROBE_CACHE_DIR, ECHOPROBE_SIDECAR_CMD, ECHOPROBE_SPINE_DB, ECHOPROBE_LOG_LEVEL")
	fmt.Println("  supply flag defaults; explicit flags win.")
	fmt.Println("  ECHOPROBE_SIDECAR_CPU_LIMIT, ECHOPROBE_SIDECAR_MEM_LIMIT")
	fmt.Println("  cap the sidecar subprocess (CPU seconds, address-space bytes), best-effort.")
	fmt.Println("\nExamples:")
	fmt.Println("  # Analyze a track and cache the record")
	fmt.Println("  echoprobe analyze -audio track.wav -cache ~/.echoprobe")
	fmt.Println()
	fmt.Println("  # Analyze with an external tempo sidecar, strict gates on")
	fmt.Println("  echoprobe analyze -audio track.mp3 -sidecar \"python3 sidecar.py --audio {audio} --out {out}\" -strict")
	fmt.Println()
	fmt.Println("  # Find historical neighbors across two tiers")
	fmt.Println("  echoprobe probe -features track.features.json -db spine.sqlite3 -tiers tier1_modern,tier2_modern -top 12")
}
