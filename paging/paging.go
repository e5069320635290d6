// Package paging implements the append-only spill file with an in-memory
// length journal used to stash jobs and results that currently have nowhere
// to go: unsent jobs when no worker is free to take them, and fetched
// results waiting to be retrieved. Entries are kept off the heap because
// some payloads are large enough that holding many of them in memory at
// once is the problem this store exists to avoid.
package paging

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Store is a single append-only page file plus the journal of entry
// lengths needed to split it back into entries. It is safe for concurrent
// use.
type Store struct {
	mu      sync.Mutex
	file    *os.File
	journal []int64
}

// New creates a Store backed by a temporary file in dir (the default
// temp directory if dir is empty). The file is unlinked immediately after
// creation on platforms that support it (everywhere this runs, in
// practice): the descriptor keeps the data alive for as long as the Store
// is open, but no path remains for anything else to find or leak.
func New(dir string) (*Store, error) {
	f, err := os.CreateTemp(dir, "conman-page-*")
	if err != nil {
		return nil, fmt.Errorf("paging: create spill file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("paging: unlink spill file: %w", err)
	}
	return &Store{file: f}, nil
}

// Append writes entry to the end of the page file and records its length
// in the journal, returning the entry's index.
func (s *Store) Append(entry []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return 0, fmt.Errorf("paging: seek to end: %w", err)
	}
	n, err := s.file.Write(entry)
	if err != nil {
		return 0, fmt.Errorf("paging: write entry: %w", err)
	}
	s.journal = append(s.journal, int64(n))
	return len(s.journal) - 1, nil
}

// Len reports how many entries are currently paged.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journal)
}

// LoadAll reads every paged entry back, in append order, then truncates
// the page file and clears the journal. It is the only way to read paged
// data back: there is no random-access lookup, matching the spill store's
// one job of draining everything that accumulated while nothing could
// consume it yet.
func (s *Store) LoadAll() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.journal) == 0 {
		return nil, nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("paging: seek to start: %w", err)
	}

	entries := make([][]byte, len(s.journal))
	for i, size := range s.journal {
		buf := make([]byte, size)
		if _, err := io.ReadFull(s.file, buf); err != nil {
			return nil, fmt.Errorf("paging: read entry %d: %w", i, err)
		}
		entries[i] = buf
	}

	if err := s.file.Truncate(0); err != nil {
		return nil, fmt.Errorf("paging: truncate: %w", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("paging: seek to start: %w", err)
	}
	s.journal = s.journal[:0]
	return entries, nil
}

// Close releases the underlying file descriptor. The file was already
// unlinked at creation, so its storage is reclaimed immediately.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
