package model

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/xerrors"

	"github.com/Brownie44l1/imgclf-api/internal/lgr"
)

// Watch resets the server whenever the model or metadata file is written,
// created, removed or renamed, so the next request loads the new checkpoint.
// The directories are watched rather than the files because exporters
// usually replace the file. Watching stops when ctx is done.
func (s *Server) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	targets := map[string]bool{
		filepath.Clean(s.modelPath):    true,
		filepath.Clean(s.metadataPath): true,
	}
	dirs := map[string]bool{}
	for p := range targets {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			w.Close()
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	go func() {
		defer w.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !targets[filepath.Clean(event.Name)] || event.Op == fsnotify.Chmod {
					continue
				}
				lgr.Logger.Info("checkpoint changed, model will reload",
					slog.String("file", event.Name),
					slog.String("op", event.Op.String()),
				)
				s.Reset()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				lgr.Logger.Warn("checkpoint watcher error", slog.Any("error", xerrors.New(err.Error())))
			}
		}
	}()

	return nil
}
