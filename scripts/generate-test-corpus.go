//go:build ignore

// Generates a synthetic markdown corpus for indexing and search
// benchmarks.
// Usage: go run scripts/generate-test-corpus.go -files 500 -output testdata/bench
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var (
	numFiles  = flag.Int("files", 500, "Number of files to generate")
	outputDir = flag.String("output", "testdata/bench", "Output directory")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var topics = []string{
	"connection pooling", "memory eviction", "unix sockets", "rate limiting",
	"schema migration", "vector indexes", "query planning", "write-ahead logging",
	"request batching", "model loading", "token budgets", "cache invalidation",
	"graceful shutdown", "health probes", "configuration reload", "backpressure",
}

var sentences = []string{
	"The %s subsystem keeps latency low by avoiding repeated initialization.",
	"When %s fails, the operation is retried once before surfacing the error.",
	"Operators tune %s through the YAML configuration file.",
	"A common pitfall with %s is forgetting to bound resource usage.",
	"%s interacts closely with the storage layer and must respect its locking.",
	"Benchmarks show %s dominating the cost of cold-start queries.",
	"The daemon exposes %s state through the status RPC.",
	"Logs record every %s decision with structured attributes.",
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create output dir: %v\n", err)
		os.Exit(1)
	}

	for i := 0; i < *numFiles; i++ {
		topic := topics[rng.Intn(len(topics))]
		var b strings.Builder
		fmt.Fprintf(&b, "# Note %04d: %s\n\n", i, topic)

		sections := 2 + rng.Intn(4)
		for s := 0; s < sections; s++ {
			fmt.Fprintf(&b, "## Section %d\n\n", s+1)
			paras := 1 + rng.Intn(3)
			for p := 0; p < paras; p++ {
				lines := 3 + rng.Intn(5)
				for l := 0; l < lines; l++ {
					sub := topics[rng.Intn(len(topics))]
					fmt.Fprintf(&b, sentences[rng.Intn(len(sentences))]+" ", sub)
				}
				b.WriteString("\n\n")
			}
		}

		name := filepath.Join(*outputDir, fmt.Sprintf("note-%04d.md", i))
		if err := os.WriteFile(name, []byte(b.String()), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	fmt.Printf("generated %d files in %s\n", *numFiles, *outputDir)
}
