package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/odmirror/odmirror/internal/driveid"
)

// FragmentAlignment is the required granularity for session upload
// fragments. Every fragment except the last must be a multiple of this.
const FragmentAlignment = 320 * 1024

// SimpleUploadMaxSize is the largest file accepted by the single-PUT
// upload path. Bigger files need an upload session.
const SimpleUploadMaxSize = 4 * 1024 * 1024

type createUploadSessionRequest struct {
	Item uploadSessionItem `json:"item"`
}

type uploadSessionItem struct {
	ConflictBehavior string         `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph annotation key
	Name             string         `json:"name,omitempty"`
	FileSystemInfo   *fsInfoRequest `json:"fileSystemInfo,omitempty"`
}

type uploadSessionResponse struct {
	UploadURL          string   `json:"uploadUrl"`
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// SimpleUpload PUTs file content in one request. Used for files up to
// SimpleUploadMaxSize; the fileSystemInfo timestamp has to be patched
// separately afterwards because the content endpoint ignores it.
func (c *Client) SimpleUpload(
	ctx context.Context, driveID driveid.ID, parentID, name string, r io.Reader, size int64,
) (*Item, error) {
	c.logger.Info("simple upload",
		slog.String("drive_id", driveID.String()),
		slog.String("parent_id", parentID),
		slog.String("name", name),
		slog.Int64("size", size),
	)

	apiPath := fmt.Sprintf("/drives/%s/items/%s:/%s:/content", driveID, parentID, url.PathEscape(name))

	resp, err := c.doRawUpload(ctx, http.MethodPut, apiPath, r, size)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeItem(resp.Body, "simple upload")
}

// SimpleUploadReplace PUTs new content for an existing item by ID.
func (c *Client) SimpleUploadReplace(
	ctx context.Context, driveID driveid.ID, itemID string, r io.Reader, size int64,
) (*Item, error) {
	c.logger.Info("simple upload replace",
		slog.String("drive_id", driveID.String()),
		slog.String("item_id", itemID),
		slog.Int64("size", size),
	)

	apiPath := fmt.Sprintf("/drives/%s/items/%s/content", driveID, itemID)

	resp, err := c.doRawUpload(ctx, http.MethodPut, apiPath, r, size)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeItem(resp.Body, "simple upload replace")
}

// doRawUpload sends an authenticated octet-stream request without the
// retry loop; retrying a partially consumed reader would corrupt the
// upload. Callers restart the whole transfer on failure.
func (c *Client) doRawUpload(
	ctx context.Context, method, apiPath string, body io.Reader, size int64,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPath, body)
	if err != nil {
		return nil, fmt.Errorf("graph: creating upload request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("graph: obtaining token for upload: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = size

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: upload request failed: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		resp.Body.Close()

		return nil, newRequestError(resp, errBody)
	}

	return resp, nil
}

// CreateUploadSession opens a resumable upload session targeting
// parentID/name. A non-zero mtime is carried in fileSystemInfo so the
// server keeps the local timestamp instead of the receipt time. When
// eTag is set it is sent as If-Match, failing the session with
// ErrPreconditionFailed if the remote file changed underneath us.
func (c *Client) CreateUploadSession(
	ctx context.Context, driveID driveid.ID, parentID, name string,
	mtime time.Time, eTag string, replaceExisting bool,
) (*UploadSession, error) {
	c.logger.Info("creating upload session",
		slog.String("drive_id", driveID.String()),
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	item := uploadSessionItem{ConflictBehavior: "replace"}
	if !replaceExisting {
		item.ConflictBehavior = "fail"
	}

	if !mtime.IsZero() {
		item.FileSystemInfo = &fsInfoRequest{
			LastModifiedDateTime: mtime.UTC().Format(time.RFC3339),
		}
	}

	body, err := json.Marshal(createUploadSessionRequest{Item: item})
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling upload session request: %w", err)
	}

	var headers http.Header
	if eTag != "" {
		headers = http.Header{"If-Match": {eTag}}
	}

	apiPath := fmt.Sprintf("/drives/%s/items/%s:/%s:/createUploadSession",
		driveID, parentID, url.PathEscape(name))

	resp, err := c.DoWithHeaders(ctx, http.MethodPost, apiPath, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return parseUploadSession(resp.Body, c.logger)
}

// UploadFragment PUTs one fragment to a session. Returns the completed
// Item on the final fragment (200/201), nil for intermediate fragments
// (202). A 416 surfaces as ErrRangeNotSatisfiable; the caller queries
// the session to find the next expected offset. The session URL is
// pre-authenticated, so no Authorization header is sent.
func (c *Client) UploadFragment(
	ctx context.Context, session *UploadSession, fragment io.Reader,
	offset, length, total int64,
) (*Item, error) {
	c.logger.Debug("uploading fragment",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
		slog.Int64("total", total),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, fragment)
	if err != nil {
		return nil, fmt.Errorf("graph: creating fragment request: %w", err)
	}

	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, total))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: fragment upload failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return nil, fmt.Errorf("graph: draining fragment response: %w", err)
		}

		return nil, nil

	case http.StatusOK, http.StatusCreated:
		return c.decodeItem(resp.Body, "final fragment")

	default:
		errBody, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message

		return nil, newRequestError(resp, errBody)
	}
}

// QueryUploadSession asks the server which byte ranges it still
// expects. Used to resume an interrupted session upload.
func (c *Client) QueryUploadSession(ctx context.Context, session *UploadSession) (*UploadSessionStatus, error) {
	resp, err := c.doPreAuth(ctx, "query upload session", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, session.UploadURL, http.NoBody)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw uploadSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("graph: decoding session status: %w", err)
	}

	status := &UploadSessionStatus{
		UploadURL:          raw.UploadURL,
		NextExpectedRanges: raw.NextExpectedRanges,
	}
	status.ExpirationTime, _ = time.Parse(time.RFC3339, raw.ExpirationDateTime) //nolint:errcheck // zero time on parse failure

	c.logger.Debug("upload session status",
		slog.Int("pending_ranges", len(status.NextExpectedRanges)),
	)

	return status, nil
}

// CancelUploadSession abandons an in-progress session so the server
// discards the staged fragments.
func (c *Client) CancelUploadSession(ctx context.Context, session *UploadSession) error {
	resp, err := c.doPreAuth(ctx, "cancel upload session", func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodDelete, session.UploadURL, http.NoBody)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("graph: draining cancel response: %w", err)
	}

	return nil
}

func parseUploadSession(body io.Reader, logger *slog.Logger) (*UploadSession, error) {
	var raw uploadSessionResponse
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("graph: decoding upload session response: %w", err)
	}

	session := &UploadSession{UploadURL: raw.UploadURL}

	exp, err := time.Parse(time.RFC3339, raw.ExpirationDateTime)
	if err != nil {
		logger.Warn("invalid upload session expiration",
			slog.String("raw", raw.ExpirationDateTime),
		)
	} else {
		session.ExpirationTime = exp
	}

	return session, nil
}
