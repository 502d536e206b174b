package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/odmirror/odmirror/internal/driveid"
)

type createLinkRequest struct {
	Type     string `json:"type"`
	Scope    string `json:"scope,omitempty"`
	Password string `json:"password,omitempty"`
}

// ShareLinkOptions shapes a createLink request. Type is "view", "edit",
// or "embed"; Scope is "anonymous" or "organization" (empty lets the
// tenant default apply). Password protection is personal-account only.
type ShareLinkOptions struct {
	Type     string
	Scope    string
	Password string
}

type createLinkResponse struct {
	ID   string `json:"id"`
	Link struct {
		Type   string `json:"type"`
		Scope  string `json:"scope"`
		WebURL string `json:"webUrl"`
	} `json:"link"`
}

// CreateShareLink creates a sharing link for an item. Repeated calls
// with the same options return the existing link.
func (c *Client) CreateShareLink(
	ctx context.Context, driveID driveid.ID, itemID string, opts ShareLinkOptions,
) (*ShareLink, error) {
	body, err := json.Marshal(createLinkRequest{
		Type:     opts.Type,
		Scope:    opts.Scope,
		Password: opts.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("graph: marshaling createLink request: %w", err)
	}

	apiPath := fmt.Sprintf("/drives/%s/items/%s/createLink", driveID, itemID)

	resp, err := c.Do(ctx, http.MethodPost, apiPath, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var clr createLinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&clr); err != nil {
		return nil, fmt.Errorf("graph: decoding createLink response: %w", err)
	}

	return &ShareLink{
		ID:    clr.ID,
		Type:  clr.Link.Type,
		Scope: clr.Link.Scope,
		URL:   clr.Link.WebURL,
	}, nil
}

// EncodeShareURL converts a sharing URL into the "u!" share token the
// /shares endpoint expects: unpadded base64url of the URL.
func EncodeShareURL(shareURL string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(shareURL))
	encoded = strings.TrimRight(encoded, "=")
	encoded = strings.ReplaceAll(encoded, "/", "_")
	encoded = strings.ReplaceAll(encoded, "+", "-")

	return "u!" + encoded
}

// ResolveShareURL resolves a sharing URL to the underlying drive item,
// exposing its drive and item IDs.
func (c *Client) ResolveShareURL(ctx context.Context, shareURL string) (*Item, error) {
	apiPath := fmt.Sprintf("/shares/%s/driveItem", EncodeShareURL(shareURL))

	return c.fetchItem(ctx, apiPath)
}
