package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/odmirror/odmirror/internal/driveid"
)

// deltaPreferHeader asks the API to report remote (shared) items with
// stable alias IDs. Without it, personal accounts return incomplete
// delta results for shared folders.
var deltaPreferHeader = http.Header{
	"Prefer": {"deltashowremoteitemsaliasid"},
}

type deltaResponse struct {
	Value     []driveItemResponse `json:"value"`
	NextLink  string              `json:"@odata.nextLink"`  //nolint:tagliatelle // OData annotation key
	DeltaLink string              `json:"@odata.deltaLink"` //nolint:tagliatelle // OData annotation key
}

// Delta fetches one page of changes for a drive root. An empty token
// starts a full enumeration; otherwise pass the NextLink or DeltaLink
// from the previous page. rootID is "root" for the drive's own root or
// an item ID when enumerating a shared folder subtree.
//
// HTTP 410 means the token expired server-side; the call returns
// ErrGone and the caller restarts with an empty token.
func (c *Client) Delta(ctx context.Context, driveID driveid.ID, rootID, token string) (*DeltaPage, error) {
	apiPath, err := c.buildDeltaPath(driveID, rootID, token)
	if err != nil {
		return nil, err
	}

	resp, err := c.DoWithHeaders(ctx, http.MethodGet, apiPath, nil, deltaPreferHeader)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr deltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding delta response: %w", err)
	}

	items := make([]Item, 0, len(dr.Value))
	for i := range dr.Value {
		items = append(items, dr.Value[i].toItem(c.logger))
	}

	c.logger.Debug("fetched delta page",
		slog.String("drive_id", driveID.String()),
		slog.Int("items", len(items)),
		slog.Bool("has_next", dr.NextLink != ""),
		slog.Bool("has_delta_link", dr.DeltaLink != ""),
	)

	return &DeltaPage{
		Items:     items,
		NextLink:  dr.NextLink,
		DeltaLink: dr.DeltaLink,
	}, nil
}

// buildDeltaPath maps (drive, root, token) to an API path. Tokens that
// are full URLs from a previous response are stripped to paths; anything
// else is treated as corrupt and falls back to a full enumeration.
func (c *Client) buildDeltaPath(driveID driveid.ID, rootID, token string) (string, error) {
	if token != "" {
		if strings.HasPrefix(token, "http") {
			apiPath, err := c.stripBaseURL(token)
			if err != nil {
				return "", fmt.Errorf("graph: invalid delta token URL: %w", err)
			}

			return apiPath, nil
		}

		c.logger.Warn("delta token is not a URL, restarting full enumeration",
			slog.String("drive_id", driveID.String()),
		)
	}

	if rootID == "" || rootID == "root" {
		return fmt.Sprintf("/drives/%s/root/delta", driveID), nil
	}

	return fmt.Sprintf("/drives/%s/items/%s/delta", driveID, rootID), nil
}
