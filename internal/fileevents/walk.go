package fileevents

import (
	"io/fs"
	"path/filepath"
	"strings"
)

// walkDirs visits root and every subdirectory, skipping common VCS/build
// noise that would otherwise flood the watcher with irrelevant events.
func walkDirs(root string, fn func(dir string) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name != "." && strings.HasPrefix(name, ".") {
			return filepath.SkipDir
		}
		if name == "node_modules" || name == "vendor" {
			return filepath.SkipDir
		}
		return fn(path)
	})
}
