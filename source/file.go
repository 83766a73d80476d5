// Package source supplies markup text to the previewer and forwards edits to it.
package source

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Provider delivers the current document text and signals when it may have changed.
type Provider interface {
	Text() (string, error)
	// Changes receives a value after one or more edits. Bursts are coalesced. It is closed when the provider closes.
	Changes() <-chan struct{}
}

// File is a Provider backed by a file on disk.
//
// The parent directory is watched rather than the file itself, since many editors save by writing a temporary file and
// renaming it over the original, which would silently end a watch on the old inode.
type File struct {
	log     *zap.SugaredLogger
	path    string
	watcher *fsnotify.Watcher
	changes chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// WatchFile starts watching path. The file must exist.
func WatchFile(log *zap.SugaredLogger, path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %q: %w", path, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("watching source: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %q: %w", filepath.Dir(abs), err)
	}

	f := &File{
		log:     log.Named("source").With("Path", abs),
		path:    abs,
		watcher: watcher,
		changes: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

func (f *File) Path() string { return f.path }

func (f *File) Text() (string, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(b), nil
}

func (f *File) Changes() <-chan struct{} { return f.changes }

func (f *File) run() {
	defer f.wg.Done()
	defer close(f.changes)
	for {
		select {
		case <-f.closed:
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			f.log.Debugw("source changed", "Op", ev.Op.String())
			select {
			case f.changes <- struct{}{}:
			default:
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warnw("watch error", "Error", err)
		}
	}
}

// Close stops watching and closes the Changes channel.
func (f *File) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		err = f.watcher.Close()
		f.wg.Wait()
	})
	if errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}
