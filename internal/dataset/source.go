// Package dataset reads the scraper's output and renders it into report
// text.
package dataset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"reportbot/internal/trust"
)

// FileSource reads the reading the scraper last wrote to Path. When
// RecrawlPath is set it also asks the scraper for a fresh run by dropping a
// request file there.
type FileSource struct {
	Path        string
	RecrawlPath string
	now         func() time.Time
}

func NewFileSource(path, recrawlPath string) *FileSource {
	return &FileSource{Path: path, RecrawlPath: recrawlPath, now: time.Now}
}

func (s *FileSource) Fetch(ctx context.Context) (trust.Reading, error) {
	r, err := readReading(ctx, s.Path)
	if err != nil {
		return trust.Reading{}, err
	}
	return *r, nil
}

type recrawlRequest struct {
	RequestedAt time.Time `json:"requested_at"`
	Reason      string    `json:"reason"`
}

// Recrawl writes the request file atomically. The scraper deletes it once
// it has picked it up.
func (s *FileSource) Recrawl(_ context.Context, reason string) error {
	if s.RecrawlPath == "" {
		return errors.New("dataset: recrawl path not configured")
	}
	b, err := json.Marshal(recrawlRequest{RequestedAt: s.now(), Reason: reason})
	if err != nil {
		return err
	}
	return writeAtomic(s.RecrawlPath, b)
}

// SecondaryFile serves the independent second reading for the trust gate.
// A missing file means no second reading is available.
type SecondaryFile struct {
	Path string
}

func (s SecondaryFile) Fetch(ctx context.Context, _ string) (*trust.Reading, error) {
	r, err := readReading(ctx, s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return r, err
}

func readReading(ctx context.Context, path string) (*trust.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset read %s: %w", path, err)
	}
	var r trust.Reading
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("dataset decode %s: %w", path, err)
	}
	if r.CollectedAt.IsZero() {
		if fi, err := os.Stat(path); err == nil {
			r.CollectedAt = fi.ModTime()
		}
	}
	return &r, nil
}

func writeAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".recrawl-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
