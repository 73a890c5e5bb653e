package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch re-reads the config whenever the file changes and hands every valid,
// content-changed parse to onChange. Invalid edits are logged and ignored, so
// a broken save never disturbs the running bot. Watch blocks until ctx is
// cancelled.
//
// The parent directory is watched rather than the file itself: editors and
// provisioning tools typically replace the file (write temp + rename), which
// drops a watch installed on the old inode.
func Watch(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)

	lastHash := hashFile(path)

	var (
		debounce *time.Timer
		fire     <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors emit bursts of events per save; coalesce them.
			if debounce == nil {
				debounce = time.NewTimer(200 * time.Millisecond)
			} else {
				debounce.Reset(200 * time.Millisecond)
			}
			fire = debounce.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watch error")
		case <-fire:
			fire = nil
			h := hashFile(path)
			if h == lastHash {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Msg("config reload rejected")
				continue
			}
			lastHash = h
			log.Info().Str("path", path).Msg("config reloaded")
			onChange(cfg)
		}
	}
}

func hashFile(path string) uint64 {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
