package sync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odmirror/odmirror/internal/driveid"
)

const (
	uploadDescriptorPrefix   = "session_upload."
	downloadDescriptorPrefix = "resume_download."
)

// UploadDescriptor persists an in-flight upload session so a crashed
// or interrupted run can resume instead of restarting the transfer.
type UploadDescriptor struct {
	Nonce      string     `json:"nonce"`
	UploadURL  string     `json:"uploadUrl"`
	DriveID    driveid.ID `json:"driveId"`
	ParentID   string     `json:"parentId"`
	ItemID     string     `json:"itemId,omitempty"` // set for replacements
	Name       string     `json:"name"`
	LocalPath  string     `json:"localPath"`
	Size       int64      `json:"size"`
	Mtime      time.Time  `json:"mtime"`
	NextOffset int64      `json:"nextOffset"`
	Expiration time.Time  `json:"expiration"`
}

// DownloadDescriptor persists a partial download's offset so the next
// run continues with a ranged request.
type DownloadDescriptor struct {
	Nonce        string     `json:"nonce"`
	DriveID      driveid.ID `json:"driveId"`
	ItemID       string     `json:"itemId"`
	RelPath      string     `json:"relPath"`
	PartialPath  string     `json:"partialPath"`
	Offset       int64      `json:"offset"`
	Size         int64      `json:"size"`
	ETag         string     `json:"eTag"`
	QuickXorHash string     `json:"quickXorHash,omitempty"`
}

// SessionStore manages the transient descriptor files next to the
// state database. Writes are atomic (temp file plus rename) so a crash
// never leaves a half-written descriptor.
type SessionStore struct {
	dir string
}

// NewSessionStore creates the descriptor directory if needed.
func NewSessionStore(stateDir string) (*SessionStore, error) {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("sync: creating session directory %s: %w", stateDir, err)
	}

	return &SessionStore{dir: stateDir}, nil
}

// SaveUpload writes (or rewrites) an upload descriptor. A descriptor
// without a nonce gets one assigned.
func (s *SessionStore) SaveUpload(d *UploadDescriptor) error {
	if d.Nonce == "" {
		d.Nonce = uuid.NewString()
	}

	return s.writeAtomic(uploadDescriptorPrefix+d.Nonce, d)
}

// SaveDownload writes (or rewrites) a download descriptor.
func (s *SessionStore) SaveDownload(d *DownloadDescriptor) error {
	if d.Nonce == "" {
		d.Nonce = uuid.NewString()
	}

	return s.writeAtomic(downloadDescriptorPrefix+d.Nonce, d)
}

// ListUploads returns every persisted upload descriptor. Unreadable
// files are removed rather than wedging every subsequent run.
func (s *SessionStore) ListUploads() ([]*UploadDescriptor, error) {
	names, err := s.list(uploadDescriptorPrefix)
	if err != nil {
		return nil, err
	}

	var out []*UploadDescriptor

	for _, name := range names {
		var d UploadDescriptor
		if s.read(name, &d) != nil {
			_ = os.Remove(filepath.Join(s.dir, name))

			continue
		}

		out = append(out, &d)
	}

	return out, nil
}

// ListDownloads returns every persisted download descriptor.
func (s *SessionStore) ListDownloads() ([]*DownloadDescriptor, error) {
	names, err := s.list(downloadDescriptorPrefix)
	if err != nil {
		return nil, err
	}

	var out []*DownloadDescriptor

	for _, name := range names {
		var d DownloadDescriptor
		if s.read(name, &d) != nil {
			_ = os.Remove(filepath.Join(s.dir, name))

			continue
		}

		out = append(out, &d)
	}

	return out, nil
}

// RemoveUpload deletes a finished or abandoned upload descriptor.
func (s *SessionStore) RemoveUpload(nonce string) error {
	return s.remove(uploadDescriptorPrefix + nonce)
}

// RemoveDownload deletes a finished or abandoned download descriptor.
func (s *SessionStore) RemoveDownload(nonce string) error {
	return s.remove(downloadDescriptorPrefix + nonce)
}

func (s *SessionStore) list(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("sync: listing session directory: %w", err)
	}

	var names []string

	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			names = append(names, entry.Name())
		}
	}

	return names, nil
}

func (s *SessionStore) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, v)
}

func (s *SessionStore) writeAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("sync: encoding session descriptor: %w", err)
	}

	// Temps carry a dot prefix so list never mistakes an in-flight write
	// for a committed descriptor.
	tmp, err := os.CreateTemp(s.dir, ".tmp-"+name+"-*")
	if err != nil {
		return fmt.Errorf("sync: creating session temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("sync: writing session descriptor: %w", err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("sync: closing session descriptor: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("sync: committing session descriptor: %w", err)
	}

	return nil
}

func (s *SessionStore) remove(name string) error {
	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sync: removing session descriptor: %w", err)
	}

	return nil
}
