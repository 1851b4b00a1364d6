// Copyright 2026 The Elevate Authors
// SPDX-License-Identifier: Apache-2.0

package watchdog

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Entry is one supervised process group.
type Entry struct {
	Job         string    `json:"job"`
	PID         int       `json:"pid"`
	StartTime   uint64    `json:"start_time"`
	Fingerprint string    `json:"fingerprint"`
	Recorded    time.Time `json:"recorded"`
}

// Ledger is the in-memory view of the ledger file. Safe for concurrent
// use.
type Ledger struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

// Load reads the ledger at path. A missing file is an empty ledger.
// The parent directory must exist.
func Load(path string) (*Ledger, error) {
	ledger := &Ledger{path: path, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ledger, nil
		}
		return nil, fmt.Errorf("reading spawn ledger: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing spawn ledger %s: %w", path, err)
	}
	for _, entry := range entries {
		ledger.entries[entry.Job] = entry
	}
	return ledger, nil
}

// Entries returns the recorded groups ordered by job.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sortedLocked()
}

// Record adds or replaces the entry for entry.Job and persists the
// ledger.
func (l *Ledger) Record(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[entry.Job] = entry
	return l.flushLocked()
}

// Remove drops the entry for job and persists the ledger. Removing an
// unknown job is not an error.
func (l *Ledger) Remove(job string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[job]; !ok {
		return nil
	}
	delete(l.entries, job)
	return l.flushLocked()
}

// Reset empties the ledger.
func (l *Ledger) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]Entry)
	return l.flushLocked()
}

func (l *Ledger) sortedLocked() []Entry {
	entries := make([]Entry, 0, len(l.entries))
	for _, entry := range l.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Job < entries[j].Job })
	return entries
}

func (l *Ledger) flushLocked() error {
	data, err := json.MarshalIndent(l.sortedLocked(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling spawn ledger: %w", err)
	}
	return writeAtomic(l.path, append(data, '\n'))
}

// writeAtomic replaces path with data so that readers see either the
// old or the new content.
func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary ledger file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary ledger file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary ledger file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary ledger file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming ledger file into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// Fingerprint hashes an argv with BLAKE3. Arguments are NUL-separated,
// the same layout as /proc/<pid>/cmdline, so the fingerprint of a
// recorded argv and of a live cmdline compare directly.
func Fingerprint(argv []string) string {
	hasher := blake3.New()
	for _, argument := range argv {
		hasher.Write([]byte(argument))
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
