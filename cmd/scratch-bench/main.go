// scratch-bench is a throughput/latency benchmark for Scratch, grounded
// on cmd/tk-bench's shape: a flag-configured synthetic load generator
// that prints aggregate numbers rather than driving an external tool.
// Out of scope per spec.md §1 ("the CLI/benchmark harness") but
// included so the module is a runnable whole and pflag has a home
// alongside cmd/scratch-cli.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/Lokad/ScratchSpace/blockheader"
	"github.com/Lokad/ScratchSpace/contenthash"
	"github.com/Lokad/ScratchSpace/filesource"
	"github.com/Lokad/ScratchSpace/scratch"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type params struct {
	dir            string
	filesPerFolder int
	fileSize       int64
	blocks         int
	minSize        int
	maxSize        int
	realms         int
	seed           int64
}

func run(args []string) error {
	flags := pflag.NewFlagSet("scratch-bench", pflag.ContinueOnError)

	p := params{}
	flags.StringVar(&p.dir, "dir", "", "data directory (required)")
	flags.IntVar(&p.filesPerFolder, "files-per-folder", 16, "files per folder")
	flags.Int64Var(&p.fileSize, "file-size", 64<<20, "bytes per file")
	flags.IntVar(&p.blocks, "blocks", 20000, "number of blocks to write then read back")
	flags.IntVar(&p.minSize, "min-size", 64, "minimum block payload size")
	flags.IntVar(&p.maxSize, "max-size", 4096, "maximum block payload size")
	flags.IntVar(&p.realms, "realms", 4, "number of distinct realms to spread writes across")
	flags.Int64Var(&p.seed, "seed", 1, "PRNG seed for synthetic payloads")

	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: scratch-bench --dir path [options]")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return err
	}

	if p.dir == "" {
		flags.Usage()
		return fmt.Errorf("--dir is required")
	}

	return bench(p)
}

type writtenBlock struct {
	realm uint32
	hash  [2]uint64
}

func blockHash(h [2]uint64) blockheader.Hash {
	return blockheader.Hash{Left: h[0], Right: h[1]}
}

func bench(p params) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, err := scratch.Open(ctx, scratch.Config{
		Source: filesource.Config{
			Folders:        []string{p.dir},
			FilesPerFolder: p.filesPerFolder,
			FileSize:       p.fileSize,
		},
		HashFn: contenthash.Sum,
	})
	if err != nil {
		return fmt.Errorf("opening scratch space: %w", err)
	}
	defer sc.Dispose()

	rng := rand.New(rand.NewSource(p.seed))
	written := make([]writtenBlock, 0, p.blocks)

	writeStart := time.Now()

	for i := 0; i < p.blocks; i++ {
		size := p.minSize
		if p.maxSize > p.minSize {
			size += rng.Intn(p.maxSize - p.minSize)
		}

		payload := make([]byte, size)
		rng.Read(payload)

		realm := uint32(rng.Intn(p.realms))
		hash := contenthash.Sum(payload)

		err := sc.Write(realm, hash, int32(size), func(buf []byte) {
			copy(buf, payload)
		})
		if err != nil {
			return fmt.Errorf("write %d: %w", i, err)
		}

		written = append(written, writtenBlock{realm: realm, hash: [2]uint64{hash.Left, hash.Right}})
	}

	writeElapsed := time.Since(writeStart)

	readStart := time.Now()

	var hits int

	for _, wb := range written {
		h := blockHash(wb.hash)

		_, _ = scratch.Read(sc, wb.realm, h, func(payload []byte) (struct{}, error) {
			hits++
			return struct{}{}, nil
		})
	}

	readElapsed := time.Since(readStart)

	fmt.Printf("wrote %d blocks in %s (%.0f blocks/s)\n", p.blocks, writeElapsed, float64(p.blocks)/writeElapsed.Seconds())
	fmt.Printf("read  %d/%d blocks in %s (%.0f blocks/s)\n", hits, p.blocks, readElapsed, float64(p.blocks)/readElapsed.Seconds())
	fmt.Printf("live entries: %d\n", sc.Count())

	return nil
}
