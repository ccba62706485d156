package notify

import (
	"io/fs"
	"os"
	"path/filepath"
)

// WalkDir is filepath.WalkDir except that a root which is a symbolic link to
// a directory is followed. Paths are reported beneath root as given, so
// notifications and registered handles for a linked root share one key
// space. Links below the root are not followed.
func WalkDir(root string, fn fs.WalkDirFunc) error {
	start := root
	if fi, err := os.Lstat(root); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
		// Lstat of "link/" resolves the link.
		start = root + string(filepath.Separator)
	}
	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if path == start {
			path = root
		}
		return fn(path, d, err)
	})
}
