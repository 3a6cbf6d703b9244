package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// NopWAL discards every record.
type NopWAL struct{}

func NewNopWAL() *NopWAL             { return &NopWAL{} }
func (w *NopWAL) Append(_ any) error { return nil }
func (w *NopWAL) Close() error       { return nil }

// FileWAL is a line-oriented journal: one JSON record per line, appended before
// the record is executed.
type FileWAL struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	sync bool
}

// NewFileWAL opens (or creates) the journal at path for appending. With
// syncEach set, every Append is fsynced.
func NewFileWAL(path string, syncEach bool) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f, w: bufio.NewWriter(f), sync: syncEach}, nil
}

func (w *FileWAL) Append(rec any) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	if w.sync {
		return w.f.Sync()
	}
	return nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// Replay calls fn with every complete line of the journal at path, in order.
// A missing file replays nothing. A torn final line (crash mid-append) is
// skipped.
func Replay(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for n := 1; ; n++ {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return nil // len(line) > 0 here is a torn tail
		}
		if err != nil {
			return err
		}
		if len(line) <= 1 {
			continue
		}
		if err := fn(line[:len(line)-1]); err != nil {
			return fmt.Errorf("journal line %d: %w", n, err)
		}
	}
}
