package sync

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Trash moves deleted paths into the FreeDesktop trash layout instead
// of unlinking them: $XDG_DATA_HOME/Trash/files holds the content,
// Trash/info holds a .trashinfo sidecar per entry.
type Trash struct {
	filesDir string
	infoDir  string
	logger   *slog.Logger

	nowFunc func() time.Time
}

// NewTrash locates (or creates) the user trash directory.
func NewTrash(logger *slog.Logger) (*Trash, error) {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("sync: locating home directory for trash: %w", err)
		}

		dataHome = filepath.Join(home, ".local", "share")
	}

	return newTrashAt(filepath.Join(dataHome, "Trash"), logger)
}

func newTrashAt(root string, logger *slog.Logger) (*Trash, error) {
	t := &Trash{
		filesDir: filepath.Join(root, "files"),
		infoDir:  filepath.Join(root, "info"),
		logger:   logger,
		nowFunc:  time.Now,
	}

	for _, dir := range []string{t.filesDir, t.infoDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("sync: creating trash directory %s: %w", dir, err)
		}
	}

	return t, nil
}

// Move relocates path into the trash, writing its .trashinfo sidecar
// first so the entry is never orphaned.
func (t *Trash) Move(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("sync: resolving %s for trash: %w", path, err)
	}

	name := t.freeName(filepath.Base(abs))

	info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		encodeTrashPath(abs),
		t.nowFunc().Format("2006-01-02T15:04:05"),
	)

	infoPath := filepath.Join(t.infoDir, name+".trashinfo")
	if err := os.WriteFile(infoPath, []byte(info), 0o600); err != nil {
		return fmt.Errorf("sync: writing trash metadata: %w", err)
	}

	if err := os.Rename(abs, filepath.Join(t.filesDir, name)); err != nil {
		_ = os.Remove(infoPath)

		return fmt.Errorf("sync: moving %s to trash: %w", abs, err)
	}

	t.logger.Debug("moved to trash",
		slog.String("path", abs),
		slog.String("trash_name", name),
	)

	return nil
}

// freeName resolves collisions with entries already in the trash by
// inserting a counter before the extension: name.1.ext, name.2.ext.
func (t *Trash) freeName(base string) string {
	if !t.nameTaken(base) {
		return base
	}

	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if !t.nameTaken(candidate) {
			return candidate
		}
	}
}

func (t *Trash) nameTaken(name string) bool {
	if _, err := os.Lstat(filepath.Join(t.filesDir, name)); err == nil {
		return true
	}

	_, err := os.Lstat(filepath.Join(t.infoDir, name+".trashinfo"))

	return err == nil
}

// encodeTrashPath percent-encodes reserved characters per the
// FreeDesktop trash specification, keeping path separators literal.
func encodeTrashPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}

	return strings.Join(parts, "/")
}
