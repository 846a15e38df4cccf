// memsh is an interactive shell over an in-memory filesystem.
//
// It exists to poke at storage scenarios by hand: build a file tree in
// memory, write at odd offsets, truncate, inspect sector occupancy,
// take snapshots and roll back, all without touching the disk.
//
// Usage:
//
//	memsh [flags]
//
// Flags:
//
//	-c, --config     Config file (JSONC), default ~/.memshrc if present
//	-s, --seed       Host directory to preload into the filesystem
//	    --history    History file, default ~/.memsh_history
//
// Commands (in REPL):
//
//	ls [path]                     List a directory
//	cd <path> / pwd               Change / print working directory
//	cat <path>                    Print file contents
//	write <path> <text>           Replace file contents
//	append <path> <text>          Append to a file
//	writeat <path> <off> <text>   Write at a byte offset
//	readat <path> <off> <n>       Read n bytes at an offset
//	truncate <path> <size>        Change file size
//	sectors <path>                Show sector occupancy of a file
//	mkdir <path>                  Create directory (and parents)
//	rm <path> / rmr <path>        Remove a file or empty dir / a subtree
//	mv <old> <new>                Rename
//	stat <path>                   Show file info
//	snapshot / restore            Save / roll back a point-in-time copy
//	import <hostpath> <path>      Copy a host file in
//	export <path> <hostpath>      Copy a file out (atomic on host)
//	seed <hostdir>                Preload a host directory tree
//	help                          Show this help
//	exit / quit / q               Exit
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/memfs/pkg/memfs"
	"github.com/calvinalkan/memfs/pkg/sectorbuf"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// config is the optional JSONC config file.
type config struct {
	HistoryFile string `json:"history_file"`
	SeedDir     string `json:"seed_dir"`
	Prompt      string `json:"prompt"`
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".memshrc")
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".memsh_history")
}

// loadConfig reads a JSONC config file. mustExist controls whether a
// missing file is an error (it is when the user named the file, not
// when we're probing the default location).
func loadConfig(path string, mustExist bool) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return config{}, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		return config{}, nil
	}

	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return config{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var cfg config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return config{}, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}

	return cfg, nil
}

func run() error {
	configPath := flag.StringP("config", "c", "", "config file (JSONC)")
	seedDir := flag.StringP("seed", "s", "", "host directory to preload")
	historyPath := flag.String("history", "", "history file")
	flag.Parse()

	mustExist := *configPath != ""

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = defaultConfigPath()
	}

	var cfg config

	if cfgPath != "" {
		var err error

		cfg, err = loadConfig(cfgPath, mustExist)
		if err != nil {
			return err
		}
	}

	// Flags beat config.
	if *seedDir != "" {
		cfg.SeedDir = *seedDir
	}

	if *historyPath != "" {
		cfg.HistoryFile = *historyPath
	}

	if cfg.HistoryFile == "" {
		cfg.HistoryFile = defaultHistoryPath()
	}

	if cfg.Prompt == "" {
		cfg.Prompt = "memsh> "
	}

	sh := &shell{
		fsys:    memfs.New(),
		cwd:     "/",
		prompt:  cfg.Prompt,
		history: cfg.HistoryFile,
	}

	if cfg.SeedDir != "" {
		count, err := sh.seed(cfg.SeedDir)
		if err != nil {
			return fmt.Errorf("seeding from %s: %w", cfg.SeedDir, err)
		}

		fmt.Printf("Seeded %d files from %s\n", count, cfg.SeedDir)
	}

	return sh.runREPL()
}

// shell is the interactive command loop.
type shell struct {
	fsys    *memfs.Mem
	snap    *memfs.Mem
	cwd     string
	prompt  string
	history string
	liner   *liner.State
}

// resolve makes p absolute relative to the working directory.
func (sh *shell) resolve(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}

	return path.Join(sh.cwd, p)
}

func (sh *shell) runREPL() error {
	sh.liner = liner.NewLiner()
	defer sh.liner.Close()

	sh.liner.SetCtrlCAborts(true)
	sh.liner.SetCompleter(sh.completer)

	if f, err := os.Open(sh.history); err == nil {
		sh.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("memsh - in-memory filesystem shell (sector size %d)\n", sectorbuf.SectorSize)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := sh.liner.Prompt(sh.prompt)
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		sh.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			sh.saveHistory()

			return nil

		case "help", "?":
			sh.printHelp()

		case "ls", "list":
			sh.cmdLs(args)

		case "cd":
			sh.cmdCd(args)

		case "pwd":
			fmt.Println(sh.cwd)

		case "cat":
			sh.cmdCat(args)

		case "write":
			sh.cmdWrite(args)

		case "append":
			sh.cmdAppend(args)

		case "writeat":
			sh.cmdWriteAt(args)

		case "readat":
			sh.cmdReadAt(args)

		case "truncate":
			sh.cmdTruncate(args)

		case "sectors":
			sh.cmdSectors(args)

		case "mkdir":
			sh.cmdMkdir(args)

		case "rm":
			sh.cmdRm(args)

		case "rmr":
			sh.cmdRmr(args)

		case "mv":
			sh.cmdMv(args)

		case "stat":
			sh.cmdStat(args)

		case "snapshot", "snap":
			sh.cmdSnapshot()

		case "restore":
			sh.cmdRestore()

		case "import":
			sh.cmdImport(args)

		case "export":
			sh.cmdExport(args)

		case "seed":
			sh.cmdSeed(args)

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	sh.saveHistory()

	return nil
}

func (sh *shell) saveHistory() {
	if sh.history == "" {
		return
	}

	if f, err := os.Create(sh.history); err == nil {
		sh.liner.WriteHistory(f)
		f.Close()
	}
}

func (sh *shell) completer(line string) []string {
	commands := []string{
		"ls", "cd", "pwd", "cat",
		"write", "append", "writeat", "readat",
		"truncate", "sectors", "mkdir",
		"rm", "rmr", "mv", "stat",
		"snapshot", "restore",
		"import", "export", "seed",
		"clear", "cls", "help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (sh *shell) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  ls [path]                     List a directory")
	fmt.Println("  cd <path> / pwd               Change / print working directory")
	fmt.Println("  cat <path>                    Print file contents")
	fmt.Println("  write <path> <text>           Replace file contents")
	fmt.Println("  append <path> <text>          Append to a file")
	fmt.Println("  writeat <path> <off> <text>   Write at a byte offset")
	fmt.Println("  readat <path> <off> <n>       Read n bytes at an offset")
	fmt.Println("  truncate <path> <size>        Change file size")
	fmt.Println("  sectors <path>                Show sector occupancy of a file")
	fmt.Println("  mkdir <path>                  Create directory (and parents)")
	fmt.Println("  rm <path> / rmr <path>        Remove a file or empty dir / a subtree")
	fmt.Println("  mv <old> <new>                Rename")
	fmt.Println("  stat <path>                   Show file info")
	fmt.Println("  snapshot / restore            Save / roll back a point-in-time copy")
	fmt.Println("  import <hostpath> <path>      Copy a host file in")
	fmt.Println("  export <path> <hostpath>      Copy a file out (atomic on host)")
	fmt.Println("  seed <hostdir>                Preload a host directory tree")
	fmt.Println("  help                          Show this help")
	fmt.Println("  exit / quit / q               Exit")
}

func (sh *shell) cmdLs(args []string) {
	target := sh.cwd
	if len(args) >= 1 {
		target = sh.resolve(args[0])
	}

	entries, err := sh.fsys.ReadDir(target)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(entries) == 0 {
		fmt.Println("(empty)")

		return
	}

	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			fmt.Printf("Error: %v\n", err)

			return
		}

		if e.IsDir() {
			fmt.Printf("%s  %10s  %s/\n", info.Mode(), "-", e.Name())
		} else {
			fmt.Printf("%s  %10d  %s\n", info.Mode(), info.Size(), e.Name())
		}
	}
}

func (sh *shell) cmdCd(args []string) {
	if len(args) < 1 {
		sh.cwd = "/"

		return
	}

	target := sh.resolve(args[0])

	info, err := sh.fsys.Stat(target)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if !info.IsDir() {
		fmt.Printf("Error: %s is not a directory\n", target)

		return
	}

	sh.cwd = target
}

func (sh *shell) cmdCat(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: cat <path>")

		return
	}

	data, err := sh.fsys.ReadFile(sh.resolve(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	os.Stdout.Write(data)

	if len(data) > 0 && data[len(data)-1] != '\n' {
		fmt.Println()
	}
}

func (sh *shell) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: write <path> <text>")

		return
	}

	target := sh.resolve(args[0])
	data := []byte(strings.Join(args[1:], " "))

	if err := sh.fsys.WriteFile(target, data, 0o644); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: wrote %d bytes to %s\n", len(data), target)
}

func (sh *shell) cmdAppend(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: append <path> <text>")

		return
	}

	target := sh.resolve(args[0])

	f, err := sh.fsys.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	data := []byte(strings.Join(args[1:], " "))

	if _, err := f.Write(data); err != nil {
		fmt.Printf("Error: %v\n", err)
		f.Close()

		return
	}

	if err := f.Close(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: appended %d bytes to %s\n", len(data), target)
}

func (sh *shell) cmdWriteAt(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: writeat <path> <offset> <text>")

		return
	}

	off, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing offset: %v\n", err)

		return
	}

	target := sh.resolve(args[0])

	f, err := sh.fsys.OpenFile(target, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	data := []byte(strings.Join(args[2:], " "))

	if _, err := f.WriteAt(data, off); err != nil {
		fmt.Printf("Error: %v\n", err)
		f.Close()

		return
	}

	if err := f.Close(); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: wrote %d bytes at offset %d\n", len(data), off)
}

func (sh *shell) cmdReadAt(args []string) {
	if len(args) < 3 {
		fmt.Println("Usage: readat <path> <offset> <n>")

		return
	}

	off, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing offset: %v\n", err)

		return
	}

	n, err := strconv.Atoi(args[2])
	if err != nil || n < 0 {
		fmt.Println("Error: n must be a non-negative integer")

		return
	}

	f, err := sh.fsys.Open(sh.resolve(args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}
	defer f.Close()

	data := make([]byte, n)

	read, err := f.ReadAt(data, off)
	if err != nil && err != io.EOF {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("%d bytes:\n%s\n", read, hex.Dump(data[:read]))
}

func (sh *shell) cmdTruncate(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: truncate <path> <size>")

		return
	}

	size, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing size: %v\n", err)

		return
	}

	target := sh.resolve(args[0])

	if err := sh.fsys.Truncate(target, size); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: %s is now %d bytes\n", target, size)
}

func (sh *shell) cmdSectors(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: sectors <path>")

		return
	}

	target := sh.resolve(args[0])

	seq, size, err := sh.fsys.Sectors(target)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("%s: %d bytes logical size\n", target, size)

	idx := 0
	zeros := 0

	for view := range seq {
		if allZero(view) {
			zeros++
			idx++

			continue
		}

		preview := view
		if len(preview) > 16 {
			preview = preview[:16]
		}

		fmt.Printf("  sector %4d  [%8d, %8d)  %s\n",
			idx,
			idx*sectorbuf.SectorSize,
			(idx+1)*sectorbuf.SectorSize,
			hex.EncodeToString(preview))

		idx++
	}

	fmt.Printf("  %d sectors spanned, %d all-zero\n", idx, zeros)
}

func allZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}

	return true
}

func (sh *shell) cmdMkdir(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: mkdir <path>")

		return
	}

	target := sh.resolve(args[0])

	if err := sh.fsys.MkdirAll(target, 0o755); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: created %s\n", target)
}

func (sh *shell) cmdRm(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rm <path>")

		return
	}

	target := sh.resolve(args[0])

	if err := sh.fsys.Remove(target); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: removed %s\n", target)
}

func (sh *shell) cmdRmr(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: rmr <path>")

		return
	}

	target := sh.resolve(args[0])

	if err := sh.fsys.RemoveAll(target); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: removed %s\n", target)
}

func (sh *shell) cmdMv(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: mv <old> <new>")

		return
	}

	oldPath := sh.resolve(args[0])
	newPath := sh.resolve(args[1])

	if err := sh.fsys.Rename(oldPath, newPath); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: %s -> %s\n", oldPath, newPath)
}

func (sh *shell) cmdStat(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: stat <path>")

		return
	}

	target := sh.resolve(args[0])

	info, err := sh.fsys.Stat(target)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("Path:     %s\n", target)
	fmt.Printf("Size:     %d bytes\n", info.Size())
	fmt.Printf("Mode:     %s\n", info.Mode())
	fmt.Printf("ModTime:  %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
	fmt.Printf("Dir:      %v\n", info.IsDir())
}

func (sh *shell) cmdSnapshot() {
	snap, err := sh.fsys.Snapshot()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	sh.snap = snap

	fmt.Println("OK: snapshot taken")
}

func (sh *shell) cmdRestore() {
	if sh.snap == nil {
		fmt.Println("Error: no snapshot taken")

		return
	}

	// Restore to the snapshot's state, keeping the snapshot itself so
	// restore can be repeated.
	restored, err := sh.snap.Snapshot()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	sh.fsys = restored
	sh.cwd = "/"

	fmt.Println("OK: restored to snapshot (working directory reset to /)")
}

func (sh *shell) cmdImport(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: import <hostpath> <path>")

		return
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	target := sh.resolve(args[1])

	if err := sh.fsys.MkdirAll(path.Dir(target), 0o755); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if err := sh.fsys.WriteFile(target, data, 0o644); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: imported %d bytes to %s\n", len(data), target)
}

func (sh *shell) cmdExport(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: export <path> <hostpath>")

		return
	}

	target := sh.resolve(args[0])

	seq, size, err := sh.fsys.Sectors(target)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	// Stream the sector views into a flat image, stopping at the
	// logical size, then write it to the host atomically.
	var out bytes.Buffer

	remaining := size

	for view := range seq {
		if remaining <= 0 {
			break
		}

		n := int64(len(view))
		if n > remaining {
			n = remaining
		}

		out.Write(view[:n])
		remaining -= n
	}

	// Sectors past the last allocated one are implicit zeros.
	for remaining > 0 {
		n := int64(sectorbuf.SectorSize)
		if n > remaining {
			n = remaining
		}

		out.Write(make([]byte, n))
		remaining -= n
	}

	if err := atomic.WriteFile(args[1], &out); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: exported %d bytes to %s\n", size, args[1])
}

func (sh *shell) cmdSeed(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: seed <hostdir>")

		return
	}

	count, err := sh.seed(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: seeded %d files from %s\n", count, args[0])
}

// seed copies a host directory tree into the in-memory filesystem,
// rooted at "/".
func (sh *shell) seed(hostDir string) (int, error) {
	count := 0

	err := filepath.WalkDir(hostDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		target := "/" + filepath.ToSlash(rel)

		if d.IsDir() {
			return sh.fsys.MkdirAll(target, 0o755)
		}

		if !d.Type().IsRegular() {
			return nil // skip symlinks, devices, sockets
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}

		if err := sh.fsys.WriteFile(target, data, 0o644); err != nil {
			return err
		}

		count++

		return nil
	})
	if err != nil {
		return count, err
	}

	return count, nil
}
