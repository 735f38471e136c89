// Package filewatch cancels contexts when files on disk change.
package filewatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// UntilModifyContext returns a context that is canceled when one of the
// target files is written, created, removed or renamed. The cancel cause
// names the file and the operation.
//
// Each file's directory is watched rather than the file itself, so a file
// replaced by rename (as checkpoints are saved) is still noticed. Events for
// other files in those directories are ignored.
//
// On error both the context and the cancel function are nil.
func UntilModifyContext(ctx context.Context, targetFilePath ...string) (context.Context, func(), error) {
	if len(targetFilePath) == 0 {
		return nil, nil, errors.New("no file to watch")
	}

	targets := map[string]bool{}
	dirs := map[string]bool{}
	for _, f := range targetFilePath {
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s: %w", f, err)
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}

	cctx, cancel := context.WithCancelCause(ctx)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel(err)
		return nil, nil, err
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			cancel(err)
			return nil, nil, err
		}
	}

	go func() {
		defer w.Close()

		for {
			select {
			case <-cctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
					continue
				}
				if name, err := filepath.Abs(event.Name); err == nil && targets[name] {
					cancel(fmt.Errorf("%s is updated (%s)", event.Name, event.Op.String()))
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				cancel(fmt.Errorf("watch failed: %w", err))
				return
			}
		}
	}()

	return cctx, func() { cancel(nil) }, nil
}
