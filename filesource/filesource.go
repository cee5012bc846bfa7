// Package filesource implements the disk file source spec.md §1 calls
// an external collaborator, referenced only through its interface: it
// owns a fixed number of identically sized files striped round-robin
// across one or more directories, and can scan what already exists on
// disk or delete-and-recreate a single file.
//
// Grounded on the teacher's internal/fs (directory/path plumbing: Stat,
// Remove, MkdirAll, and the manifest's atomic write) and its
// pkg/slotcache/open.go direct-syscall mmap pattern: slotcache bypasses
// its own fs abstraction for the mmap'd hot path, and so does this
// package, since internal/fs.FS has no mmap primitive.
package filesource

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Lokad/ScratchSpace/blockaddr"
	"github.com/Lokad/ScratchSpace/internal/fs"
)

// MinFiles and MaxFiles bound the total file count per spec.md §6
// Configuration ("at least 3 files total, at most 1023").
const (
	MinFiles = 3
	MaxFiles = 1023
)

// MinFileSize is the smallest file size spec.md §6 allows.
const MinFileSize = 4096

// Config describes the fixed file set a Source manages.
type Config struct {
	// Folders lists the directories files are striped across, in
	// round-robin order. Must be non-empty; a folder that does not exist
	// yet is created when the first file is created in it.
	Folders []string

	// FilesPerFolder is how many files live in each folder. The total
	// file count (Folders count x FilesPerFolder) must fall in
	// [MinFiles, MaxFiles].
	FilesPerFolder int

	// FileSize is the exact size, in bytes, of every file. Must fall
	// in [MinFileSize, blockaddr.MaxFileSize].
	FileSize int64

	// FS performs the non-mmap filesystem operations (stat, remove,
	// mkdir, and the manifest's atomic write). Defaults to fs.NewReal().
	FS fs.FS
}

func (c Config) validate() (total int, err error) {
	if len(c.Folders) == 0 {
		return 0, fmt.Errorf("filesource: at least one folder is required")
	}

	if c.FilesPerFolder <= 0 {
		return 0, fmt.Errorf("filesource: files-per-folder must be positive, got %d", c.FilesPerFolder)
	}

	total = len(c.Folders) * c.FilesPerFolder
	if total < MinFiles || total > MaxFiles {
		return 0, fmt.Errorf("filesource: total file count %d out of range [%d,%d]", total, MinFiles, MaxFiles)
	}

	if c.FileSize < MinFileSize {
		return 0, fmt.Errorf("filesource: file size %d below minimum %d", c.FileSize, MinFileSize)
	}

	if uint64(c.FileSize) > blockaddr.MaxFileSize {
		return 0, fmt.Errorf("filesource: file size %d above maximum %d", c.FileSize, uint64(blockaddr.MaxFileSize))
	}

	return total, nil
}

// FileMemory abstracts a fixed-length writable byte region backing one
// file (spec.md §2, "File memory").
type FileMemory interface {
	// Bytes returns the full mapped region. Valid until Close.
	Bytes() []byte

	// Flush persists the byte range [offset, offset+length) to durable
	// storage (msync).
	Flush(offset, length int) error

	// Close unmaps the region. The underlying file is left on disk.
	Close() error
}

// ExistingFile is one file recovered by ScanExisting.
type ExistingFile struct {
	ID  int
	Mem FileMemory
}

// Source owns the N fixed-size files of a Config, numbered 0..N-1.
type Source struct {
	cfg   Config
	fsys  fs.FS
	total int
}

// Open validates cfg and returns a Source. It does not touch disk.
func Open(cfg Config) (*Source, error) {
	total, err := cfg.validate()
	if err != nil {
		return nil, err
	}

	fsys := cfg.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	return &Source{cfg: cfg, fsys: fsys, total: total}, nil
}

// Total returns the fixed number of files this source manages.
func (s *Source) Total() int {
	return s.total
}

// pathFor computes folder/NNNN.bin for global id, per spec.md §6:
// "global id i lives in folder i mod (folder count) as
// floor(i / folder count):04d.bin".
func (s *Source) pathFor(id int) string {
	folders := len(s.cfg.Folders)
	folder := s.cfg.Folders[id%folders]
	index := id / folders

	return filepath.Join(folder, fmt.Sprintf("%04d.bin", index))
}

// ScanExisting stats every id's file. Present, correctly sized files
// are mmap'd and returned; missing files are silently absent from the
// result (the caller treats them as empty slots); files whose size
// doesn't match cfg.FileSize are deleted and likewise absent, per
// spec.md §6 ("mismatched files are deleted during scan").
//
// On success the set of valid ids is recorded in the manifest file so
// a later process (e.g. scratch-cli's manifest command) can report it
// without re-stat-ing every file; the manifest is never consulted by
// ScanExisting itself, only written by it.
func (s *Source) ScanExisting() ([]ExistingFile, error) {
	var found []ExistingFile

	for id := 0; id < s.total; id++ {
		path := s.pathFor(id)

		info, err := s.fsys.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, fmt.Errorf("filesource: stat %s: %w", path, err)
		}

		if info.Size() != s.cfg.FileSize {
			if err := s.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("filesource: remove mismatched file %s: %w", path, err)
			}

			continue
		}

		mem, err := openAndMap(path, s.cfg.FileSize, false)
		if err != nil {
			return nil, fmt.Errorf("filesource: mmap %s: %w", path, err)
		}

		found = append(found, ExistingFile{ID: id, Mem: mem})
	}

	ids := make([]int, len(found))
	for i, f := range found {
		ids[i] = f.ID
	}

	// Best-effort: the manifest is a reporting convenience, not
	// load-bearing, so a failure to persist it must not fail the scan.
	_ = s.writeManifest(ids)

	return found, nil
}

// DeleteAndCreate removes any existing file at id and creates a fresh,
// fully-zeroed, mmap'd replacement of exactly cfg.FileSize bytes — a
// file with no blocks is all zeros, per spec.md §6. The caller must
// have already disposed any BlockFile/FileWriter mapping the previous
// incarnation of this id (spec.md §4.6 replace_file ordering).
func (s *Source) DeleteAndCreate(id int) (FileMemory, error) {
	if id < 0 || id >= s.total {
		return nil, fmt.Errorf("filesource: id %d out of range [0,%d)", id, s.total)
	}

	path := s.pathFor(id)

	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filesource: mkdir for %s: %w", path, err)
	}

	if err := s.fsys.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("filesource: remove stale %s: %w", path, err)
	}

	mem, err := openAndMap(path, s.cfg.FileSize, true)
	if err != nil {
		return nil, fmt.Errorf("filesource: create %s: %w", path, err)
	}

	_ = s.recordValid(id)

	return mem, nil
}

// recordValid adds id to the manifest's valid set, best-effort.
func (s *Source) recordValid(id int) error {
	ids, err := s.Manifest()
	if err != nil {
		ids = nil
	}

	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}

	return s.writeManifest(append(ids, id))
}

// manifestPath is a fixed reporting file under the first folder,
// rewritten wholesale on every scan/recreate.
func (s *Source) manifestPath() string {
	return filepath.Join(s.cfg.Folders[0], ".scratch-manifest.json")
}

// manifest is the JSON shape persisted at manifestPath.
type manifest struct {
	ValidIDs []int `json:"valid_ids"`
}

// writeManifest atomically rewrites the manifest file (temp file plus
// rename, via fs.FS.WriteFileAtomic) so a reader never observes a
// half-written file.
func (s *Source) writeManifest(ids []int) error {
	data, err := json.Marshal(manifest{ValidIDs: ids})
	if err != nil {
		return fmt.Errorf("filesource: marshal manifest: %w", err)
	}

	if err := s.fsys.WriteFileAtomic(s.manifestPath(), data, 0o644); err != nil {
		return fmt.Errorf("filesource: write manifest: %w", err)
	}

	return nil
}

// Manifest reads back the set of ids recorded valid by the last
// ScanExisting plus any ids DeleteAndCreate has created since, for
// diagnostic reporting (e.g. scratch-cli's manifest command).
// ScanExisting/DeleteAndCreate never use it to decide what is on disk
// (DeleteAndCreate only reads it back to add the new id). Returns
// (nil, nil) if no manifest has been written yet.
func (s *Source) Manifest() ([]int, error) {
	data, err := s.fsys.ReadFile(s.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("filesource: read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("filesource: parse manifest: %w", err)
	}

	return m.ValidIDs, nil
}

// mmapFile is the production FileMemory, a direct mmap'd region backed
// by an open file descriptor. Grounded on dittofs's pkg/cache/mmap.go,
// which bypasses its own higher-level store for the same reason: an
// mmap'd region needs unix.Mmap/Munmap/Msync directly, not an os.File
// read/write API.
type mmapFile struct {
	fd   int
	data []byte
}

func openAndMap(path string, size int64, create bool) (*mmapFile, error) {
	flags := unix.O_RDWR
	if create {
		flags |= unix.O_CREAT
	}

	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	if create {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &mmapFile{fd: fd, data: data}, nil
}

func (m *mmapFile) Bytes() []byte {
	return m.data
}

func (m *mmapFile) Flush(offset, length int) error {
	if length == 0 {
		return nil
	}

	end := offset + length
	if offset < 0 || end > len(m.data) {
		return fmt.Errorf("filesource: flush range [%d,%d) out of bounds (len %d)", offset, end, len(m.data))
	}

	return unix.Msync(m.data[offset:end], unix.MS_SYNC)
}

func (m *mmapFile) Close() error {
	err := unix.Munmap(m.data)
	if closeErr := unix.Close(m.fd); err == nil {
		err = closeErr
	}

	return err
}
