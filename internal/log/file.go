package log

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

const (
	dayLayout  = "2006-01-02"
	latestLink = "latest"
)

// FileWriter appends to DIR/YYYY-MM-DD.jsonl, switching files when the day
// changes, and keeps DIR/latest pointing at the current file.
type FileWriter struct {
	dir string
	now func() time.Time

	mu  sync.Mutex
	f   *os.File
	day string
}

// NewFileWriter creates dir if needed and opens today's file.
func NewFileWriter(dir string) (*FileWriter, error) {
	return newFileWriter(dir, time.Now)
}

func newFileWriter(dir string, now func() time.Time) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating debug log dir: %w", err)
	}
	fw := &FileWriter{dir: dir, now: now}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if err := fw.open(now().Format(dayLayout)); err != nil {
		return nil, err
	}
	return fw, nil
}

// Write implements io.Writer.
func (fw *FileWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if day := fw.now().Format(dayLayout); day != fw.day {
		if err := fw.open(day); err != nil {
			return 0, err
		}
	}
	if fw.f == nil {
		return 0, os.ErrClosed
	}
	return fw.f.Write(p)
}

// Close closes the current file.
func (fw *FileWriter) Close() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.f == nil {
		return nil
	}
	err := fw.f.Close()
	fw.f = nil
	return err
}

func (fw *FileWriter) open(day string) error {
	if fw.f != nil {
		fw.f.Close()
	}
	name := day + ".jsonl"
	f, err := os.OpenFile(filepath.Join(fw.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening debug log: %w", err)
	}
	fw.f = f
	fw.day = day

	// Swap the link through a temporary name so readers never see it missing.
	link := filepath.Join(fw.dir, latestLink)
	tmp := link + ".tmp"
	os.Remove(tmp)
	if os.Symlink(name, tmp) == nil {
		_ = os.Rename(tmp, link)
	}
	return nil
}

var dayFile = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})\.jsonl$`)

// Cleanup removes daily files in dir older than retentionDays and returns
// how many it removed. Other files are left alone.
func Cleanup(dir string, retentionDays int) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	removed := 0
	for _, e := range entries {
		m := dayFile.FindStringSubmatch(e.Name())
		if e.IsDir() || m == nil {
			continue
		}
		day, err := time.Parse(dayLayout, m[1])
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(dir, e.Name())) == nil {
			removed++
		}
	}
	return removed
}
