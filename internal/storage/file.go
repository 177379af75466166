package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "reportbot/pkg/logx"
)

// fileStore keeps the ledger in memory and persists it as:
//   - <prefix>.ledger.snapshot.json (compacted state)
//   - <prefix>.ledger.journal.jsonl (append-only ops since the snapshot)
//   - <prefix>.failures.jsonl       (append-only)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	failures     *os.File
	failuresPath string

	rows   map[string]Delivery
	writes int
}

type journalOp struct {
	Op  string    `json:"op"` // put | del
	Row *Delivery `json:"row,omitempty"`
	Key string    `json:"key,omitempty"`
}

const compactEvery = 500

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".ledger.snapshot.json",
		failuresPath: prefix + ".failures.jsonl",
		rows:         map[string]Delivery{},
	}
	journalPath := prefix + ".ledger.journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	ff, err := os.OpenFile(s.failuresPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.journal = jf
	s.failures = ff
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.failures != nil {
		errs = append(errs, s.failures.Close())
		s.failures = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) PutDelivery(_ context.Context, d Delivery) error {
	if strings.TrimSpace(d.BucketKey) == "" {
		return errors.New("storage: empty bucket key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrDisabled
	}
	if cur, ok := s.rows[d.BucketKey]; ok && !replaces(cur, d) {
		return ErrExists
	}
	if err := json.NewEncoder(s.journal).Encode(journalOp{Op: "put", Row: &d}); err != nil {
		return err
	}
	s.rows[d.BucketKey] = d
	s.noteWriteLocked()
	return nil
}

func (s *fileStore) GetDelivery(_ context.Context, key string) (Delivery, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[key]
	return d, ok, nil
}

func (s *fileStore) ListDeliveries(_ context.Context, from, to time.Time) ([]Delivery, error) {
	s.mu.Lock()
	out := make([]Delivery, 0, 16)
	for _, d := range s.rows {
		if !d.TargetAt.Before(from) && d.TargetAt.Before(to) {
			out = append(out, d)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetAt.Before(out[j].TargetAt) })
	return out, nil
}

func (s *fileStore) DeleteDeliveriesBefore(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrDisabled
	}
	n := 0
	enc := json.NewEncoder(s.journal)
	for k, d := range s.rows {
		if !d.TargetAt.Before(before) {
			continue
		}
		if err := enc.Encode(journalOp{Op: "del", Key: k}); err != nil {
			return n, err
		}
		delete(s.rows, k)
		n++
	}
	if n > 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return n, nil
}

func (s *fileStore) AppendFailure(_ context.Context, f Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.failures).Encode(f)
}

func (s *fileStore) ListFailures(_ context.Context, since time.Time) ([]Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.failuresPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Failure
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r Failure
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if !r.FailedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, sc.Err()
}

func (s *fileStore) noteWriteLocked() {
	s.writes++
	if s.writes%compactEvery != 0 {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Debug("ledger compact failed", logx.Err(err))
	}
}

// compactLocked writes the snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(&s.rows)
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil {
			// torn tail after a crash
			continue
		}
		switch {
		case op.Op == "put" && op.Row != nil:
			s.rows[op.Row.BucketKey] = *op.Row
		case op.Op == "del":
			delete(s.rows, op.Key)
		}
	}
	return sc.Err()
}
