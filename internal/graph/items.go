package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/odmirror/odmirror/internal/driveid"
)

// childPageSize is the $top value for collection requests; 200 is the
// API maximum for drive item collections.
const childPageSize = 200

// Timestamps outside this year range are garbage from the API and get
// replaced with the current time.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// driveItemResponse mirrors the raw driveItem JSON. Unexported; all
// consumers go through toItem.
type driveItemResponse struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	Size                 int64            `json:"size"`
	ETag                 string           `json:"eTag"`
	CTag                 string           `json:"cTag"`
	CreatedDateTime      string           `json:"createdDateTime"`
	LastModifiedDateTime string           `json:"lastModifiedDateTime"`
	ParentReference      *parentRef       `json:"parentReference"`
	File                 *fileFacet       `json:"file"`
	Folder               *folderFacet     `json:"folder"`
	Root                 *json.RawMessage `json:"root"`
	Deleted              *json.RawMessage `json:"deleted"`
	Malware              *json.RawMessage `json:"malware"`
	Package              *packageFacet    `json:"package"`
	RemoteItem           *remoteItemFacet `json:"remoteItem"`
	FileSystemInfo       *fsInfoFacet     `json:"fileSystemInfo"`
	CreatedBy            *identitySet     `json:"createdBy"`
	LastModifiedBy       *identitySet     `json:"lastModifiedBy"`
	DownloadURL          string           `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // Graph annotation key
}

type parentRef struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
	Path    string `json:"path"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   *hashFacet `json:"hashes"`
}

type hashFacet struct {
	QuickXorHash string `json:"quickXorHash"`
	SHA1Hash     string `json:"sha1Hash"`
	SHA256Hash   string `json:"sha256Hash"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type packageFacet struct {
	Type string `json:"type"`
}

type remoteItemFacet struct {
	ID              string           `json:"id"`
	Folder          *json.RawMessage `json:"folder"`
	ParentReference *parentRef       `json:"parentReference"`
}

type fsInfoFacet struct {
	CreatedDateTime      string `json:"createdDateTime"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type identitySet struct {
	User struct {
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Application struct {
		DisplayName string `json:"displayName"`
	} `json:"application"`
}

// displayName prefers the user identity and falls back to the app.
func (s *identitySet) displayName() string {
	if s == nil {
		return ""
	}

	if s.User.DisplayName != "" {
		return s.User.DisplayName
	}

	return s.Application.DisplayName
}

type itemCollectionResponse struct {
	Value    []driveItemResponse `json:"value"`
	NextLink string              `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

type createFolderRequest struct {
	Name             string      `json:"name"`
	Folder           folderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph annotation key
}

// updateItemRequest is the PATCH body for metadata updates. Only set
// fields are sent.
type updateItemRequest struct {
	Name            string         `json:"name,omitempty"`
	ParentReference *updateRef     `json:"parentReference,omitempty"`
	FileSystemInfo  *fsInfoRequest `json:"fileSystemInfo,omitempty"`
}

type updateRef struct {
	ID string `json:"id"`
}

type fsInfoRequest struct {
	CreatedDateTime      string `json:"createdDateTime,omitempty"`
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
}

// toItem normalizes a raw driveItem into Item. Drive IDs are canonical
// on exit, so the leading-zero API bug never reaches the database.
func (d *driveItemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:          d.ID,
		Name:        d.Name,
		Size:        d.Size,
		ETag:        d.ETag,
		CTag:        d.CTag,
		IsFolder:    d.Folder != nil,
		IsRoot:      d.Root != nil,
		IsDeleted:   d.Deleted != nil,
		IsMalware:   d.Malware != nil,
		IsPackage:   d.Package != nil,
		ChildCount:  ChildCountUnknown,
		DownloadURL: d.DownloadURL,
	}

	if d.Package != nil {
		item.PackageType = d.Package.Type
	}

	if d.ParentReference != nil {
		item.DriveID = driveid.New(d.ParentReference.DriveID)
		item.ParentID = d.ParentReference.ID
		item.ParentDriveID = item.DriveID
		item.ParentPath = d.ParentReference.Path
	}

	if d.RemoteItem != nil {
		item.IsRemote = true
		item.RemoteID = d.RemoteItem.ID
		item.RemoteIsFolder = d.RemoteItem.Folder != nil

		if d.RemoteItem.ParentReference != nil {
			item.RemoteDriveID = driveid.New(d.RemoteItem.ParentReference.DriveID)
			item.RemoteParentID = d.RemoteItem.ParentReference.ID
		}
	}

	if d.Folder != nil {
		item.ChildCount = d.Folder.ChildCount
	}

	if d.File != nil {
		item.MimeType = d.File.MimeType

		if d.File.Hashes != nil {
			item.QuickXorHash = d.File.Hashes.QuickXorHash
			item.SHA1Hash = d.File.Hashes.SHA1Hash
			item.SHA256Hash = d.File.Hashes.SHA256Hash
		}
	}

	// fileSystemInfo carries the client-set timestamps; the top-level
	// lastModifiedDateTime is the server receipt time. Prefer the former.
	created, modified := d.CreatedDateTime, d.LastModifiedDateTime
	if d.FileSystemInfo != nil {
		if d.FileSystemInfo.CreatedDateTime != "" {
			created = d.FileSystemInfo.CreatedDateTime
		}

		if d.FileSystemInfo.LastModifiedDateTime != "" {
			modified = d.FileSystemInfo.LastModifiedDateTime
		}
	}

	item.CreatedAt = parseTimestamp(created, "createdDateTime", d.ID, logger)
	item.ModifiedAt = parseTimestamp(modified, "lastModifiedDateTime", d.ID, logger)

	item.CreatedBy = d.CreatedBy.displayName()
	item.LastModifiedBy = d.LastModifiedBy.displayName()

	// The API percent-encodes some names in delta responses. PathUnescape
	// keeps "+" literal, which QueryUnescape would mangle.
	if decoded, err := url.PathUnescape(item.Name); err == nil && decoded != item.Name {
		item.Name = decoded
	}

	return item
}

// parseTimestamp parses an RFC3339 timestamp, replacing invalid or
// out-of-range values with the current time.
func parseTimestamp(raw, field, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("timestamp out of valid range, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	return t
}

// encodePathSegments URL-encodes each segment of a slash-separated path
// so names with #, ?, % or spaces survive interpolation into API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// stripBaseURL converts a full API URL (nextLink, deltaLink) back into
// a path usable with Do.
func (c *Client) stripBaseURL(fullURL string) (string, error) {
	if !strings.HasPrefix(fullURL, c.baseURL) {
		return "", fmt.Errorf("graph: URL %q does not match base URL %q", fullURL, c.baseURL)
	}

	return fullURL[len(c.baseURL):], nil
}

// fetchItem GETs a single driveItem from apiPath and normalizes it.
func (c *Client) fetchItem(ctx context.Context, apiPath string) (*Item, error) {
	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw driveItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("graph: decoding item response: %w", err)
	}

	item := raw.toItem(c.logger)

	return &item, nil
}

// decodeItem normalizes a driveItem response body into Item.
func (c *Client) decodeItem(body io.Reader, what string) (*Item, error) {
	var raw driveItemResponse
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("graph: decoding %s response: %w", what, err)
	}

	item := raw.toItem(c.logger)

	return &item, nil
}

// GetItem retrieves a single item by ID.
func (c *Client) GetItem(ctx context.Context, driveID driveid.ID, itemID string) (*Item, error) {
	return c.fetchItem(ctx, fmt.Sprintf("/drives/%s/items/%s", driveID, itemID))
}

// GetRoot retrieves the root item of a drive.
func (c *Client) GetRoot(ctx context.Context, driveID driveid.ID) (*Item, error) {
	return c.fetchItem(ctx, fmt.Sprintf("/drives/%s/root", driveID))
}

// GetItemByPath retrieves an item by its slash-separated path relative
// to the drive root, without a leading slash.
func (c *Client) GetItemByPath(ctx context.Context, driveID driveid.ID, remotePath string) (*Item, error) {
	if remotePath == "" {
		return c.GetRoot(ctx, driveID)
	}

	return c.fetchItem(ctx, fmt.Sprintf("/drives/%s/root:/%s:", driveID, encodePathSegments(remotePath)))
}

// ListChildren returns all children of a folder, following pagination.
func (c *Client) ListChildren(ctx context.Context, driveID driveid.ID, parentID string) ([]Item, error) {
	apiPath := fmt.Sprintf("/drives/%s/items/%s/children?$top=%d", driveID, parentID, childPageSize)

	return c.collectItems(ctx, apiPath)
}

// collectItems pages through an item collection starting at apiPath.
func (c *Client) collectItems(ctx context.Context, apiPath string) ([]Item, error) {
	var items []Item

	for apiPath != "" {
		resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
		if err != nil {
			return nil, err
		}

		var page itemCollectionResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()

		if err != nil {
			return nil, fmt.Errorf("graph: decoding item collection: %w", err)
		}

		for i := range page.Value {
			items = append(items, page.Value[i].toItem(c.logger))
		}

		apiPath = ""
		if page.NextLink != "" {
			if apiPath, err = c.stripBaseURL(page.NextLink); err != nil {
				return nil, err
			}
		}
	}

	return items, nil
}

// CreateFolder creates a folder under parentID with conflictBehavior
// "fail"; a name collision surfaces as ErrConflict so the caller can
// fetch the existing folder instead.
func (c *Client) CreateFolder(ctx context.Context, driveID driveid.ID, parentID, name string) (*Item, error) {
	c.logger.Info("creating remote folder",
		slog.String("drive_id", driveID.String()),
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	body, err := json.Marshal(createFolderRequest{
		Name:             name,
		ConflictBehavior: "fail",
	})
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling create folder request: %w", err)
	}

	apiPath := fmt.Sprintf("/drives/%s/items/%s/children", driveID, parentID)

	resp, err := c.Do(ctx, http.MethodPost, apiPath, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeItem(resp.Body, "create folder")
}

// UpdateChange describes a metadata PATCH: any combination of rename,
// reparent, and timestamp update.
type UpdateChange struct {
	NewName     string
	NewParentID string
	Mtime       time.Time
	// ETag, when set, is sent as If-Match so a concurrent remote edit
	// fails the update with ErrPreconditionFailed instead of clobbering.
	ETag string
}

// UpdateItem PATCHes item metadata.
func (c *Client) UpdateItem(ctx context.Context, driveID driveid.ID, itemID string, change UpdateChange) (*Item, error) {
	req := updateItemRequest{Name: change.NewName}

	if change.NewParentID != "" {
		req.ParentReference = &updateRef{ID: change.NewParentID}
	}

	if !change.Mtime.IsZero() {
		req.FileSystemInfo = &fsInfoRequest{
			LastModifiedDateTime: change.Mtime.UTC().Format(time.RFC3339),
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling update request: %w", err)
	}

	var headers http.Header
	if change.ETag != "" {
		headers = http.Header{"If-Match": {change.ETag}}
	}

	apiPath := fmt.Sprintf("/drives/%s/items/%s", driveID, itemID)

	resp, err := c.DoWithHeaders(ctx, http.MethodPatch, apiPath, body, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return c.decodeItem(resp.Body, "update item")
}

// DeleteItem moves an item to the online recycle bin (HTTP 204).
func (c *Client) DeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error {
	return c.deleteAt(ctx, fmt.Sprintf("/drives/%s/items/%s", driveID, itemID))
}

// PermanentDeleteItem bypasses the online recycle bin. Not supported on
// all account types; SharePoint libraries may return ErrForbidden.
func (c *Client) PermanentDeleteItem(ctx context.Context, driveID driveid.ID, itemID string) error {
	return c.deleteAt(ctx, fmt.Sprintf("/drives/%s/items/%s/permanentDelete", driveID, itemID))
}

func (c *Client) deleteAt(ctx context.Context, apiPath string) error {
	method := http.MethodDelete
	if strings.HasSuffix(apiPath, "/permanentDelete") {
		method = http.MethodPost
	}

	resp, err := c.Do(ctx, method, apiPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("graph: draining delete response: %w", err)
	}

	return nil
}
