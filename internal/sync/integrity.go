package sync

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odmirror/odmirror/pkg/quickxorhash"
)

// VerifyOutcome classifies an integrity comparison between a local file
// and its database record.
type VerifyOutcome int

const (
	// VerifyMatch means content and metadata agree.
	VerifyMatch VerifyOutcome = iota

	// VerifyModified means the local file changed and needs upload.
	VerifyModified

	// VerifyTimestampOnly means content matches but the local mtime
	// drifted; the timestamp gets corrected without a transfer.
	VerifyTimestampOnly

	// VerifyDataLoss means the remote content diverged from the local
	// copy without a local edit. The service recompresses some formats
	// in place, so re-uploading would loop forever.
	VerifyDataLoss
)

// HashFile computes the quickXorHash of a file, the checksum personal
// and business drives both report.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := quickxorhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("sync: hashing %s: %w", path, err)
	}

	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// HashFileSHA256 computes the SHA-256 of a file in hex, used when the
// service reports no quickXorHash for an item.
func HashFileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("sync: hashing %s: %w", path, err)
	}

	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}

// HashesEqual compares two checksums of the same algorithm,
// tolerating case differences in hex encodings.
func HashesEqual(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}

// TimesEqual compares timestamps at second resolution in UTC. The
// service stores no sub-second precision, so finer comparison produces
// false mismatches.
func TimesEqual(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

// dataLossExemptExtensions are formats the service recompresses
// server-side. Hash mismatches on unchanged local copies of these are
// logged, not re-uploaded.
var dataLossExemptExtensions = map[string]bool{
	".heic": true,
}

// Verifier compares local files against their database records.
type Verifier struct {
	logger *slog.Logger
}

// NewVerifier builds a Verifier.
func NewVerifier(logger *slog.Logger) *Verifier {
	return &Verifier{logger: logger}
}

// VerifyLocal classifies how a local file relates to its stored record.
// The hash is only computed when size and mtime disagree, keeping the
// common unchanged-file case cheap.
func (v *Verifier) VerifyLocal(path string, item *Item) (VerifyOutcome, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return VerifyModified, fmt.Errorf("sync: stat %s: %w", path, err)
	}

	sizeMatch := info.Size() == item.Size
	timeMatch := TimesEqual(info.ModTime(), item.Mtime)

	if sizeMatch && timeMatch {
		return VerifyMatch, nil
	}

	hashMatch, err := v.contentMatches(path, item)
	if err != nil {
		return VerifyModified, err
	}

	if hashMatch {
		return VerifyTimestampOnly, nil
	}

	return VerifyModified, nil
}

// CheckRemoteDivergence runs after a remote record changes for a file
// whose local copy the user has not touched. A content mismatch here
// means the service rewrote the bytes; exempt formats are reported as
// data loss so the engine warns instead of re-uploading.
func (v *Verifier) CheckRemoteDivergence(path string, item *Item) (VerifyOutcome, error) {
	match, err := v.contentMatches(path, item)
	if err != nil {
		return VerifyModified, err
	}

	if match {
		return VerifyMatch, nil
	}

	if dataLossExemptExtensions[strings.ToLower(filepath.Ext(path))] {
		v.logger.Warn("remote content diverged for server-recompressed format, keeping local copy",
			slog.String("path", path),
			slog.String("item_id", item.ID),
		)

		return VerifyDataLoss, nil
	}

	return VerifyModified, nil
}

// contentMatches hashes the local file with whichever algorithm the
// record carries. Records with no hash at all (some business items)
// fall back to a size comparison.
func (v *Verifier) contentMatches(path string, item *Item) (bool, error) {
	switch {
	case item.QuickXorHash != "":
		local, err := HashFile(path)
		if err != nil {
			return false, err
		}

		return HashesEqual(local, item.QuickXorHash), nil

	case item.SHA256Hash != "":
		local, err := HashFileSHA256(path)
		if err != nil {
			return false, err
		}

		return HashesEqual(local, item.SHA256Hash), nil

	default:
		info, err := os.Lstat(path)
		if err != nil {
			return false, fmt.Errorf("sync: stat %s: %w", path, err)
		}

		return info.Size() == item.Size, nil
	}
}
