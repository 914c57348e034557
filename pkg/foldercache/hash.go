package foldercache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// HashTree computes a deterministic content hash for the tree rooted at root.
//
// The digest covers every non-ignored entry's relative path, type, size, and
// modification time, visited in lexical order. File contents are not read.
func HashTree(root string, ignore *Matcher) (string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("foldercache: stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("foldercache: %s is not a directory", root)
	}

	d := xxhash.New()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		d.Write(buf[:])
	}

	err = filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			// Entries removed mid-walk are skipped; the watcher reports them separately.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if ignore.Match(rel) {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		d.WriteString(filepath.ToSlash(rel))
		d.Write([]byte{0})
		writeInt(int64(info.Mode().Type()))
		if !entry.IsDir() {
			writeInt(info.Size())
			writeInt(info.ModTime().UnixNano())
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("foldercache: walk %s: %w", root, err)
	}

	binary.BigEndian.PutUint64(buf[:], d.Sum64())
	return hex.EncodeToString(buf[:]), nil
}
