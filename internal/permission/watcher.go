package permission

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/bridgebot/internal/config"
)

// WatchConfig reloads the permission policy when the config file changes
// and swaps the snapshot atomically. A file that fails to parse or
// validate is logged and ignored; the previous policy stays live. Each
// accepted reload is handed to persist (when non-nil) so the stored policy
// matches what is running and the edit survives a restart. Blocks until
// ctx is cancelled.
func WatchConfig(ctx context.Context, path string, snap *Snapshot, persist func(context.Context, config.PermissionConfig) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which would
	// otherwise drop the watch on the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load(path)
			if err != nil {
				slog.Warn("policy reload: config parse failed, keeping previous policy", "error", err)
				continue
			}
			policy, err := NewPolicy(cfg.Permission)
			if err != nil {
				slog.Warn("policy reload: invalid policy, keeping previous policy", "error", err)
				continue
			}
			snap.Swap(policy)
			slog.Info("permission policy reloaded",
				"admins", len(policy.Admins),
				"overrides", len(policy.Overrides),
			)
			if persist != nil {
				saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := persist(saveCtx, cfg.Permission); err != nil {
					slog.Warn("reloaded policy not persisted", "error", err)
				}
				cancel()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("policy watcher error", "error", err)
		}
	}
}
