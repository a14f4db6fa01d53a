package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// fileStore appends JSONL records and prunes by rewriting once the file
// grows past twice the keep limit.
type fileStore struct {
	log  zerolog.Logger
	path string
	keep int

	mu    sync.Mutex
	count int // appends since open/prune; -1 until first lazy line count
}

func openFile(cfg Config, log zerolog.Logger) (Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("history file driver needs a path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: cfg.Path, keep: cfg.Keep, count: -1}, nil
}

func (s *fileStore) Append(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count < 0 {
		recs, err := s.readAllLocked()
		if err != nil {
			return err
		}
		s.count = len(recs)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.count++

	if s.count > 2*s.keep {
		if err := s.pruneLocked(); err != nil {
			s.log.Warn().Err(err).Msg("history prune failed")
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	// Newest first.
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) readAllLocked() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var recs []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			// Skip torn/corrupt lines rather than losing the whole file.
			continue
		}
		recs = append(recs, rec)
	}
	return recs, sc.Err()
}

// pruneLocked rewrites the file keeping the newest records. The rewrite goes
// through a temp file + rename so a crash never leaves a torn history file.
func (s *fileStore) pruneLocked() error {
	recs, err := s.readAllLocked()
	if err != nil {
		return err
	}
	if len(recs) > s.keep {
		recs = recs[len(recs)-s.keep:]
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, rec := range recs {
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.count = len(recs)
	return nil
}
