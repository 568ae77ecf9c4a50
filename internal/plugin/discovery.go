package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ValidatePluginPath cleans path and ensures it does not escape base via
// ".." traversal.
func ValidatePluginPath(base, path string) (string, error) {
	cleaned := filepath.Clean(path)
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve base path: %w", err)
	}
	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve plugin path: %w", err)
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("plugin path %q escapes base %q", path, base)
	}
	return absPath, nil
}

// DiscoverManifests walks root and returns the directories containing a
// manifest.json file — one per subprocess plugin.
func DiscoverManifests(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == manifestFilename {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk plugin root %q: %w", root, err)
	}
	return dirs, nil
}

// LoadSubprocessPlugin checks that dir holds a manifest file and registers a
// minimal subprocess descriptor for it: id and name default to the
// directory's base name. Callers that need richer catalog entries
// (commands with descriptions) should Register a fuller descriptor
// afterward; loading only establishes that the manifest file exists — its
// contents are not read or validated until the plugin is executed.
func (r *Registry) LoadSubprocessPlugin(dir string) error {
	manifestPath := filepath.Join(dir, manifestFilename)
	if _, err := os.Stat(manifestPath); err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}

	id := filepath.Base(dir)
	return r.Register(&Descriptor{
		ID:      id,
		Name:    id,
		Kind:    KindSubprocess,
		WorkDir: dir,
	})
}

// WatchPluginDirs watches root for manifest add/remove events and keeps the
// registry's subprocess plugins in sync until ctx is canceled. A directory
// created directly under a watched directory is added to the watch. A create
// or write event for a manifest file (re-)registers its plugin; a remove
// event unloads it.
func (r *Registry) WatchPluginDirs(ctx context.Context, root string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	dirs, err := DiscoverManifests(root)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return fmt.Errorf("watch plugin root: %w", err)
	}
	for _, dir := range dirs {
		_ = watcher.Add(dir)
		_ = r.LoadSubprocessPlugin(dir)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = watcher.Add(event.Name)
						_ = r.LoadSubprocessPlugin(event.Name)
						continue
					}
				}
				r.handleWatchEvent(event)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if r.logger != nil {
					r.logger.Warn(ctx, "plugin directory watch error", "error", werr.Error())
				}
			}
		}
	}()

	return nil
}

func (r *Registry) handleWatchEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != manifestFilename {
		return
	}
	dir := filepath.Dir(event.Name)

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		_ = r.LoadSubprocessPlugin(dir)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		r.Unload(filepath.Base(dir))
	}
}
