// scratch-cli is an interactive REPL over a Scratch instance, grounded
// on cmd/sloty/main.go's shape: pflag-based flag parsing, a
// liner-backed prompt loop, and one function per command.
//
// Usage:
//
//	scratch-cli [--config path] [--dir path] [--files-per-folder n] [--file-size bytes]
//
// Commands (in REPL):
//
//	put <realm> <text...>   Write text as a block, print its hash
//	get <realm> <hash>      Read a block, print its payload
//	contains <realm> <hash> Report whether a live entry exists
//	remove <realm> <hash>   Remove the index entry for a block
//	count                   Number of live entries
//	manifest                Ids the last scan found valid or created since
//	help                    Show this help
//	exit / quit / q         Exit
package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/pflag"
	"github.com/tailscale/hujson"

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

// fileConfig is the JWCC shape loaded via --config, mirroring the
// teacher's root config.go hujson.Standardize + json.Unmarshal pattern.
type fileConfig struct {
	Folders        []string `json:"folders"`
	FilesPerFolder int      `json:"files_per_folder"` //nolint:tagliatelle
	FileSize       int64    `json:"file_size"`         //nolint:tagliatelle
}

func run(args []string) error {
	flags := pflag.NewFlagSet("scratch-cli", pflag.ContinueOnError)

	configPath := flags.String("config", "", "path to a JWCC config file (folders, files_per_folder, file_size)")
	dir := flags.StringP("dir", "d", "", "single data directory (quick start, overridden by --config)")
	filesPerFolder := flags.Int("files-per-folder", 8, "files per folder")
	fileSize := flags.Int64("file-size", 64<<20, "bytes per file")

	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: scratch-cli [--config path | --dir path] [options]")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadSourceConfig(*configPath, *dir, *filesPerFolder, *fileSize)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, err := scratch.Open(ctx, scratch.Config{Source: cfg, HashFn: contenthash.Sum})
	if err != nil {
		return fmt.Errorf("opening scratch space: %w", err)
	}
	defer sc.Dispose()

	return repl(sc, cfg)
}

func loadSourceConfig(configPath, dir string, filesPerFolder int, fileSize int64) (filesource.Config, error) {
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return filesource.Config{}, fmt.Errorf("reading %s: %w", configPath, err)
		}

		standardized, err := hujson.Standardize(data)
		if err != nil {
			return filesource.Config{}, fmt.Errorf("invalid JWCC in %s: %w", configPath, err)
		}

		var fc fileConfig
		if err := json.Unmarshal(standardized, &fc); err != nil {
			return filesource.Config{}, fmt.Errorf("invalid config JSON in %s: %w", configPath, err)
		}

		return filesource.Config{
			Folders:        fc.Folders,
			FilesPerFolder: fc.FilesPerFolder,
			FileSize:       fc.FileSize,
		}, nil
	}

	if dir == "" {
		return filesource.Config{}, fmt.Errorf("one of --config or --dir is required")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return filesource.Config{}, fmt.Errorf("creating %s: %w", dir, err)
	}

	return filesource.Config{
		Folders:        []string{dir},
		FilesPerFolder: filesPerFolder,
		FileSize:       fileSize,
	}, nil
}

func repl(sc *scratch.Scratch, cfg filesource.Config) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)

	for {
		text, err := line.Prompt("scratch> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}

			return err
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		line.AppendHistory(text)

		if dispatch(sc, cfg, text) {
			return nil
		}
	}
}

// dispatch runs one command line, returning true if the REPL should exit.
func dispatch(sc *scratch.Scratch, cfg filesource.Config, text string) bool {
	fields := strings.Fields(text)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "exit", "quit", "q":
		return true
	case "help":
		printHelp()
	case "put":
		cmdPut(sc, args)
	case "get":
		cmdGet(sc, args)
	case "contains":
		cmdContains(sc, args)
	case "remove":
		cmdRemove(sc, args)
	case "count":
		fmt.Println(sc.Count())
	case "manifest":
		cmdManifest(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; try 'help'\n", cmd)
	}

	return false
}

func printHelp() {
	fmt.Println(`Commands:
  put <realm> <text...>   Write text as a block, print its hash
  get <realm> <hash>      Read a block, print its payload
  contains <realm> <hash> Report whether a live entry exists
  remove <realm> <hash>   Remove the index entry for a block
  count                   Number of live entries
  manifest                Ids the last scan found valid or created since
  help                    Show this help
  exit / quit / q         Exit`)
}

func parseRealm(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 24)
	if err != nil {
		return 0, fmt.Errorf("invalid realm %q: %w", s, err)
	}

	return uint32(v), nil
}

func cmdPut(sc *scratch.Scratch, args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: put <realm> <text...>")
		return
	}

	realm, err := parseRealm(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	payload := []byte(strings.Join(args[1:], " "))
	hash := contenthash.Sum(payload)

	err = sc.Write(realm, hash, int32(len(payload)), func(buf []byte) {
		copy(buf, payload)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "put failed: %v\n", err)
		return
	}

	fmt.Println(formatHash(hash))
}

func cmdGet(sc *scratch.Scratch, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: get <realm> <hash>")
		return
	}

	realm, err := parseRealm(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	hash, err := parseHash(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	text, err := scratch.Read(sc, realm, hash, func(payload []byte) (string, error) {
		return string(payload), nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "get failed: %v\n", err)
		return
	}

	fmt.Println(text)
}

func cmdContains(sc *scratch.Scratch, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: contains <realm> <hash>")
		return
	}

	realm, err := parseRealm(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	hash, err := parseHash(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	fmt.Println(sc.Contains(realm, hash))
}

func cmdRemove(sc *scratch.Scratch, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: remove <realm> <hash>")
		return
	}

	realm, err := parseRealm(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	hash, err := parseHash(args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	sc.Remove(realm, hash)
}

func cmdManifest(cfg filesource.Config) {
	src, err := filesource.Open(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	ids, err := src.Manifest()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	fmt.Println(ids)
}

func formatHash(h blockheader.Hash) string {
	var buf [16]byte

	binary.LittleEndian.PutUint64(buf[0:8], h.Left)
	binary.LittleEndian.PutUint64(buf[8:16], h.Right)

	return hex.EncodeToString(buf[:])
}

func parseHash(s string) (blockheader.Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 16 {
		return blockheader.Hash{}, fmt.Errorf("hash must be 32 hex characters (16 bytes)")
	}

	return blockheader.Hash{
		Left:  binary.LittleEndian.Uint64(raw[0:8]),
		Right: binary.LittleEndian.Uint64(raw[8:16]),
	}, nil
}
