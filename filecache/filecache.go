// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package filecache implements the cache daemon's preloaded
// read-only file index. A manifest names the files to serve;
// every file is opened once at startup and the descriptor
// is held for the life of the process. After Load the index
// is immutable, so lookups take no lock.
package filecache

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dchest/siphash"
	"golang.org/x/exp/slices"
	"sigs.k8s.io/yaml"
)

// index buckets are keyed by a 64-bit siphash of the lookup
// key; entries hold the full key for the (unlikely) case of
// a bucket collision.
const (
	hashK0 = 0x7f0c7c1471d30d50
	hashK1 = 0x15e2cbd4dd4a2ec1
)

type entry struct {
	key string
	f   *os.File
}

// Index maps textual keys to open file descriptors.
type Index struct {
	buckets map[uint64][]entry
	nitems  int
}

// manifestEntry is one record of a YAML manifest.
type manifestEntry struct {
	Key  string `json:"key"`
	Path string `json:"path"`
}

// Load reads the manifest at path, opens every file it
// names, and returns the populated index. Plain-text
// manifests carry one `<key> <path>` record per line
// (space- or tab-separated, LF-terminated); manifests with
// a .yaml or .yml extension carry a list of {key, path}
// records instead. A file that cannot be opened fails the
// whole load: a daemon that silently served a partial
// manifest would turn configuration mistakes into cache
// misses.
func Load(path string) (*Index, error) {
	var records []manifestEntry
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		records, err = loadYAML(path)
	default:
		records, err = loadText(path)
	}
	if err != nil {
		return nil, err
	}
	ix := &Index{buckets: make(map[uint64][]entry, len(records))}
	for i := range records {
		key, fpath := records[i].Key, records[i].Path
		if key == "" || fpath == "" {
			return nil, fmt.Errorf("filecache: empty key or path in manifest %s", path)
		}
		f, err := os.Open(fpath)
		if err != nil {
			ix.Close()
			return nil, fmt.Errorf("filecache: %w", err)
		}
		h := siphash.Hash(hashK0, hashK1, []byte(key))
		bucket := ix.buckets[h]
		if slices.IndexFunc(bucket, func(e entry) bool { return e.key == key }) >= 0 {
			f.Close()
			ix.Close()
			return nil, fmt.Errorf("filecache: duplicate key %q in manifest %s", key, path)
		}
		ix.buckets[h] = append(bucket, entry{key: key, f: f})
		ix.nitems++
	}
	return ix, nil
}

func loadText(path string) ([]manifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filecache: manifest: %w", err)
	}
	defer f.Close()
	var records []manifestEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("filecache: bad manifest line %q in %s", line, path)
		}
		records = append(records, manifestEntry{Key: fields[0], Path: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filecache: manifest: %w", err)
	}
	return records, nil
}

func loadYAML(path string) ([]manifestEntry, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filecache: manifest: %w", err)
	}
	var records []manifestEntry
	if err := yaml.Unmarshal(buf, &records); err != nil {
		return nil, fmt.Errorf("filecache: manifest %s: %w", path, err)
	}
	return records, nil
}

// Lookup returns the open descriptor for key, or false on a
// miss. The returned file is shared: callers must use
// offset-explicit reads (ReadAt) and must not close it.
func (ix *Index) Lookup(key string) (*os.File, bool) {
	h := siphash.Hash(hashK0, hashK1, []byte(key))
	for _, e := range ix.buckets[h] {
		if e.key == key {
			return e.f, true
		}
	}
	return nil, false
}

// Len returns the number of cached entries.
func (ix *Index) Len() int { return ix.nitems }

// Close closes every descriptor in the index. The index
// must not be used afterwards.
func (ix *Index) Close() {
	for _, bucket := range ix.buckets {
		for i := range bucket {
			bucket[i].f.Close()
		}
	}
	ix.buckets = nil
	ix.nitems = 0
}
