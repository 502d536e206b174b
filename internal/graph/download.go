package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/odmirror/odmirror/internal/driveid"
)

// ErrNoDownloadURL is returned for items without a pre-authenticated
// content URL: folders, packages, and occasionally zero-byte files.
var ErrNoDownloadURL = errors.New("graph: item has no download URL")

// Download opens a content stream for an item, optionally resuming from
// a byte offset. It fetches fresh metadata first because download URLs
// expire within the hour; a stale URL from the state store is useless.
// The returned reader must be closed by the caller.
//
// The download URL embeds auth tokens and is never logged.
func (c *Client) Download(
	ctx context.Context, driveID driveid.ID, itemID string, offset int64,
) (io.ReadCloser, int64, error) {
	item, err := c.GetItem(ctx, driveID, itemID)
	if err != nil {
		return nil, 0, fmt.Errorf("graph: getting item for download: %w", err)
	}

	if item.DownloadURL == "" {
		c.logger.Warn("item has no download URL",
			slog.String("drive_id", driveID.String()),
			slog.String("item_id", itemID),
			slog.Bool("is_folder", item.IsFolder),
			slog.Bool("is_package", item.IsPackage),
		)

		return nil, 0, ErrNoDownloadURL
	}

	return c.openContentStream(ctx, item.DownloadURL, offset, item.Size)
}

// openContentStream GETs from a pre-authenticated URL with an optional
// Range header for resume.
func (c *Client) openContentStream(
	ctx context.Context, downloadURL string, offset, size int64,
) (io.ReadCloser, int64, error) {
	resp, err := c.doPreAuth(ctx, "download", func() (*http.Request, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, http.NoBody)
		if reqErr != nil {
			return nil, fmt.Errorf("graph: creating download request: %w", reqErr)
		}

		if offset > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		}

		return req, nil
	})
	if err != nil {
		return nil, 0, err
	}

	// A resume request answered with 200 instead of 206 means the server
	// ignored the Range header; the caller must restart from zero rather
	// than splice a full-file stream onto a partial file.
	if offset > 0 && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()

		c.logger.Warn("server ignored range request",
			slog.Int64("requested_offset", offset),
			slog.Int("status", resp.StatusCode),
		)

		return nil, 0, ErrRangeNotSatisfiable
	}

	remaining := size - offset
	if resp.ContentLength >= 0 {
		remaining = resp.ContentLength
	}

	return resp.Body, remaining, nil
}
