package tail

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/taildir/taildir/internal/filter"
	"github.com/taildir/taildir/internal/notify"
)

// Register walks dir once and returns a Table holding one Handle per
// regular file whose base name passes fileFilter. Every handle starts at the
// current end of its file, so content present before the watch began is
// never delivered.
//
// A root that is a symbolic link is followed and handles are keyed beneath
// dir as given. Files that cannot be opened (removed mid-walk, permission
// denied) are skipped. An unreadable or missing root is returned as an
// error.
func Register(dir string, fileFilter filter.FileFilter, logger *slog.Logger) (*Table, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("tail: stat %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tail: %q is not a directory", dir)
	}

	table := NewTable()
	err = notify.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			logger.Debug("tail: skipping unreadable entry",
				slog.String("path", path),
				slog.Any("error", err),
			)
			return nil
		}
		if !d.Type().IsRegular() || !fileFilter(d.Name()) {
			return nil
		}

		h, err := table.Open(path, true)
		if err != nil {
			logger.Debug("tail: cannot register file",
				slog.String("path", path),
				slog.Any("error", err),
			)
			return nil
		}
		logger.Debug("tail: registered",
			slog.String("path", path),
			slog.Int64("offset", h.offset),
		)
		return nil
	})
	if err != nil {
		_ = table.Close()
		return nil, fmt.Errorf("tail: walk %q: %w", dir, err)
	}

	logger.Info("tail: directory registered",
		slog.String("dir", dir),
		slog.Int("files", table.Len()),
	)
	return table, nil
}
