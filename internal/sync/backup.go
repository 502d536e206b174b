package sync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SafeBackupName derives the rename target used to preserve a local
// file before it would be overwritten: name-<hostname>-safeBackup-NNNN
// with the original extension kept, counting up until a free slot.
func SafeBackupName(path string) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 1; i <= 9999; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-%s-safeBackup-%04d%s", stem, hostname, i, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("sync: no free safe-backup name for %s", path)
}

// SafeBackup renames path aside so a download cannot destroy local
// edits. Returns the backup path, or "" when the source did not exist.
func SafeBackup(path string, logger *slog.Logger) (string, error) {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return "", nil
	}

	target, err := SafeBackupName(path)
	if err != nil {
		return "", err
	}

	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("sync: renaming %s for safe backup: %w", path, err)
	}

	logger.Warn("local file preserved before overwrite",
		slog.String("path", path),
		slog.String("backup", target),
	)

	return target, nil
}
