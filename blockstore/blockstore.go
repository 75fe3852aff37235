// Package blockstore persists raw block bytes to disk, one file per
// height. Their combined size is kept in a running counter rather than
// re-summed from filesystem stats; presence is a stat of the file.
package blockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/btcibd/node/internal/chainparams"
	"github.com/btcibd/node/internal/clog"
	"github.com/btcibd/node/internal/ibderr"
)

const subdirSpan = 1000

// Store is a file-per-height block store rooted at a data directory.
// It is safe for concurrent use.
type Store struct {
	root string
	log  clog.Logger

	mu        sync.Mutex
	totalSize uint64
}

// Open returns a Store rooted at {dataDir}/blocks, creating the root
// directory if it does not exist, and primes its running size counter
// from an initial scan.
func Open(dataDir string) (*Store, error) {
	root := filepath.Join(dataDir, "blocks")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, ibderr.Wrap("blockstore", 0, ibderr.KindIO, err, "create block store root %s", root)
	}
	s := &Store{root: root, log: clog.New("module", "blockstore")}
	if err := s.Recount(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) pathFor(height uint32) string {
	subdir := strconv.FormatUint(uint64(height/subdirSpan), 10)
	name := fmt.Sprintf("%09d.blk", height)
	return filepath.Join(s.root, subdir, name)
}

// WriteHeight durably stores raw block bytes at the given height.
// Writes land in a temporary file within the target subdirectory and
// are renamed into place, so a crash mid-write never leaves a
// truncated file at the final path. Re-writing the same height is
// permitted and safe.
func (s *Store) WriteHeight(height uint32, raw []byte) error {
	path := s.pathFor(height)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ibderr.Wrap("blockstore", height, ibderr.KindIO, err, "create subdirectory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return ibderr.Wrap("blockstore", height, ibderr.KindIO, err, "create temp file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ibderr.Wrap("blockstore", height, ibderr.KindIO, err, "write block bytes")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return ibderr.Wrap("blockstore", height, ibderr.KindIO, err, "fsync block file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return ibderr.Wrap("blockstore", height, ibderr.KindIO, err, "close temp file")
	}

	prevSize, hadPrev := s.statSize(path)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return ibderr.Wrap("blockstore", height, ibderr.KindIO, err, "rename into place")
	}

	s.mu.Lock()
	if hadPrev {
		s.totalSize -= uint64(prevSize)
	}
	s.totalSize += uint64(len(raw))
	s.mu.Unlock()
	return nil
}

func (s *Store) statSize(path string) (int64, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// ReadHeight returns the raw block bytes stored at height, or a
// NOT_FOUND-kind error if no file exists. A file whose length falls
// outside (0, 4*MaxBlockSize] is rejected as corrupt.
func (s *Store) ReadHeight(height uint32) ([]byte, error) {
	path := s.pathFor(height)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ibderr.Wrap("blockstore", height, ibderr.KindMissingResource, ibderr.ErrNotFound, "block file not found")
		}
		return nil, ibderr.Wrap("blockstore", height, ibderr.KindIO, err, "read block file")
	}
	if len(data) == 0 || len(data) > 4*chainparams.MaxBlockSize {
		return nil, ibderr.New("blockstore", height, ibderr.KindInvalidInput, "block file size %d out of bounds", len(data))
	}
	return data, nil
}

// ExistsHeight reports whether a block file is present at height.
func (s *Store) ExistsHeight(height uint32) bool {
	_, err := os.Stat(s.pathFor(height))
	return err == nil
}

// PruneHeight removes the block file at height. Absence is success:
// pruning is idempotent.
func (s *Store) PruneHeight(height uint32) error {
	path := s.pathFor(height)
	size, existed := s.statSize(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return ibderr.Wrap("blockstore", height, ibderr.KindIO, err, "remove block file")
	}
	if existed {
		s.mu.Lock()
		s.totalSize -= uint64(size)
		s.mu.Unlock()
	}
	return nil
}

// ScanHeights walks every subdirectory, parses file names of the form
// digits.blk, and returns the set of heights present in ascending
// order.
func (s *Store) ScanHeights() ([]uint32, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, ibderr.Wrap("blockstore", 0, ibderr.KindIO, err, "list block store root")
	}

	var heights []uint32
	for _, subdir := range entries {
		if !subdir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, subdir.Name()))
		if err != nil {
			return nil, ibderr.Wrap("blockstore", 0, ibderr.KindIO, err, "list subdirectory %s", subdir.Name())
		}
		for _, f := range files {
			name := f.Name()
			if !strings.HasSuffix(name, ".blk") || strings.HasPrefix(name, ".tmp-") {
				continue
			}
			digits := strings.TrimSuffix(name, ".blk")
			h, err := strconv.ParseUint(digits, 10, 32)
			if err != nil {
				continue
			}
			heights = append(heights, uint32(h))
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights, nil
}

// GetTotalSize returns the combined size, in bytes, of all stored
// block files via an amortized running counter rather than a per-call
// stat sweep.
func (s *Store) GetTotalSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// Recount recomputes the running size counter from the filesystem. It
// is called once at Open and may be called again to reconcile drift
// (e.g. after an operator manually touches the data directory).
func (s *Store) Recount() error {
	heights, err := s.ScanHeights()
	if err != nil {
		return err
	}
	var total uint64
	for _, h := range heights {
		if size, ok := s.statSize(s.pathFor(h)); ok {
			total += uint64(size)
		}
	}
	s.mu.Lock()
	s.totalSize = total
	s.mu.Unlock()
	return nil
}
