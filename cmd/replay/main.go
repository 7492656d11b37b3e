// Replay feeds recorded notice payloads through an in-process pipeline and
// prints what the graph made of them. Useful for tuning matcher thresholds
// against archived notice sets without a running server.
//
// Usage:
//
//	replay -sources config/sources.yaml [-config config/afterglow.toml] [TAG=]file...
//
// Files are processed in argument order. A TAG= prefix names the producing
// source per file; bare paths use the -source flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/skygraph/afterglow/internal/config"
	"github.com/skygraph/afterglow/internal/core"
	"github.com/skygraph/afterglow/internal/core/model"
	"github.com/skygraph/afterglow/internal/core/normalize"
	"github.com/skygraph/afterglow/internal/metrics"
	"github.com/skygraph/afterglow/internal/store"
)

func main() {
	var (
		cfgPath     = flag.String("config", "", "TOML configuration file (defaults apply when empty)")
		sourcesPath = flag.String("sources", "", "source registry YAML (defaults to the config's sources_path)")
		defaultTag  = flag.String("source", "", "source tag for files without a TAG= prefix")
		verbose     = flag.Bool("v", false, "log every pipeline decision")
	)
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: replay [flags] [TAG=]file...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fatal("load config: %v", err)
		}
		cfg = loaded
	}
	if *sourcesPath == "" {
		*sourcesPath = cfg.SourcesPath
	}

	sources, err := normalize.LoadSources(*sourcesPath)
	if err != nil {
		fatal("load sources: %v", err)
	}
	norm, err := normalize.New(sources)
	if err != nil {
		fatal("build normalizer: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st := store.NewMemory()
	pipe := core.NewPipeline(cfg, norm, st, metrics.NewRegistry(), log)

	ctx := context.Background()
	started := time.Now()
	outcomes := make(map[string]int)
	failures := 0

	for _, arg := range flag.Args() {
		tag, path := *defaultTag, arg
		if i := strings.IndexByte(arg, '='); i > 0 {
			tag, path = arg[:i], arg[i+1:]
		}
		if tag == "" {
			fmt.Fprintf(os.Stderr, "SKIPPED %s: no source tag (use TAG=file or -source)\n", path)
			failures++
			continue
		}
		raw, err := readNotice(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", path, err)
			failures++
			continue
		}
		out, err := pipe.Process(ctx, tag, raw)
		if err != nil {
			if model.IsMalformed(err) {
				fmt.Fprintf(os.Stderr, "REJECTED %s: %v\n", path, err)
			} else {
				fmt.Fprintf(os.Stderr, "FAILED %s: %v\n", path, err)
			}
			failures++
			continue
		}
		outcomes[out.Outcome]++
		if *verbose {
			fmt.Printf("%-12s %s -> node=%s case=%s\n", out.Outcome, out.Candidate.ID, out.NodeID, out.CaseID)
		}
	}

	total := 0
	keys := make([]string, 0, len(outcomes))
	for k, n := range outcomes {
		keys = append(keys, k)
		total += n
	}
	sort.Strings(keys)

	fmt.Printf("processed %d notices in %s\n", total, time.Since(started).Round(time.Millisecond))
	for _, k := range keys {
		fmt.Printf("  %-12s %d\n", k, outcomes[k])
	}
	if stats, err := st.Stats(ctx); err == nil {
		fmt.Printf("graph: %d canonical nodes (%d total), %d edges, %d open cases\n",
			stats.Canonical, stats.Nodes, stats.Edges, stats.OpenCases)
	}

	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%d notice(s) failed\n", failures)
		os.Exit(1)
	}
}

// readNotice loads one payload; "-" reads stdin so notices can be piped in.
func readNotice(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
