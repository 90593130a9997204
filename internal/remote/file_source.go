package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultFileDebounce = 50 * time.Millisecond

// FileSource serves documents stored as JSON files under a directory.
// The document "configuracion" lives at <dir>/configuracion.json. Changes are
// picked up with fsnotify on the containing directory, so both in-place
// writes and atomic rename writes are observed.
type FileSource struct {
	dir      string
	debounce time.Duration
	log      *slog.Logger
}

// NewFileSource creates a file-backed source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{
		dir:      dir,
		debounce: defaultFileDebounce,
		log:      slog.Default(),
	}
}

// SetDebounce sets how long the watcher waits after the last file event
// before re-reading the document.
func (s *FileSource) SetDebounce(d time.Duration) { s.debounce = d }

// Name returns "file".
func (s *FileSource) Name() string { return "file" }

// Dir returns the root directory.
func (s *FileSource) Dir() string { return s.dir }

// FilePath returns the file backing the document at path.
func (s *FileSource) FilePath(path string) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(p)+".json"), nil
}

// Watch starts an fsnotify watcher for the document's directory. The current
// document is delivered from the watch goroutine before any change.
func (s *FileSource) Watch(ctx context.Context, path string, fn func(Event)) (CancelFunc, error) {
	file, err := s.FilePath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nil, fmt.Errorf("remote: create document dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("remote: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("remote: watch %s: %w", filepath.Dir(file), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	go s.watchLoop(ctx, watcher, file, fn)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

func (s *FileSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, file string, fn func(Event)) {
	defer watcher.Close()

	var (
		last    Event
		emitted bool
	)
	emit := func(ev Event) {
		if ctx.Err() != nil {
			return
		}
		if emitted && ev.Err == nil && last.Err == nil &&
			ev.Exists == last.Exists && bytes.Equal(ev.Data, last.Data) {
			return
		}
		last, emitted = ev, true
		fn(ev)
	}

	emit(readDocument(file))

	var (
		timer  *time.Timer
		reread <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != file {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if timer == nil {
					timer = time.NewTimer(s.debounce)
				} else {
					timer.Reset(s.debounce)
				}
				reread = timer.C
			}
		case <-reread:
			reread = nil
			emit(readDocument(file))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("remote: file watcher error", "path", file, "err", err)
			emit(Event{Err: err})
		}
	}
}

// readDocument reads one document file. A file containing JSON null is
// treated as absent.
func readDocument(file string) Event {
	data, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Event{}
		}
		return Event{Err: err}
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return Event{Err: fmt.Errorf("remote: corrupt document %s", file)}
	}
	if bytes.Equal(data, []byte("null")) {
		return Event{}
	}
	return Event{Exists: true, Data: json.RawMessage(data)}
}

// Get reads the document at path once.
func (s *FileSource) Get(path string) (Event, error) {
	file, err := s.FilePath(path)
	if err != nil {
		return Event{}, err
	}
	return readDocument(file), nil
}

// Put atomically replaces the document at path.
func (s *FileSource) Put(path string, doc any) error {
	file, err := s.FilePath(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}

	// Write to temp file, then rename (atomic on Linux)
	tmpPath := file + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, file)
}

// Delete removes the document at path. Deleting an absent document is not an error.
func (s *FileSource) Delete(path string) error {
	file, err := s.FilePath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

var _ Source = (*FileSource)(nil)
