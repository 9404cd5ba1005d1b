package proxy

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"relayd/internal/errors"
)

// watchDebounce coalesces the burst of events an editor or a rename
// produces into one restart.
const watchDebounce = 200 * time.Millisecond

// Watch restarts the proxy whenever the users file changes, until ctx
// is done.  It returns immediately when watching does not apply: the
// proxy is disabled, watch_users is off, or the proxy runs without
// authentication.
func (s *Supervisor) Watch(ctx context.Context) error {
	if !s.cfg.Enabled || !s.cfg.WatchUsers || s.cfg.NoAuth || s.cfg.UsersCSV == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("users watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: the file may not exist yet, and atomic
	// replacements swap the inode out from under a file watch.
	target := filepath.Clean(s.cfg.UsersCSV)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	s.logger.Verbose().Str("users_csv", target).Msg("watching users file")

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				debounce = time.After(watchDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn().Err(err).Msg("users watcher error")

		case <-debounce:
			debounce = nil
			s.logger.Info().Str("users_csv", target).Msg("users file changed, restarting proxy")
			if err := s.Restart(); err != nil {
				if errors.Is(err, errors.ErrProxyClosed) {
					return nil
				}
				s.logger.Error().Err(err).Msg("proxy restart failed")
			}
		}
	}
}
