package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/odmirror/odmirror/internal/driveid"
)

type userResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Mail        string `json:"mail"`
	// Fallback when mail is blank, which is common on personal accounts.
	UPN string `json:"userPrincipalName"`
}

type driveResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	DriveType string      `json:"driveType"`
	Owner     *ownerFacet `json:"owner"`
	Quota     *quotaFacet `json:"quota"`
}

type ownerFacet struct {
	User struct {
		DisplayName string `json:"displayName"`
	} `json:"user"`
}

type quotaFacet struct {
	Used      int64  `json:"used"`
	Total     int64  `json:"total"`
	Remaining int64  `json:"remaining"`
	State     string `json:"state"`
}

type driveListResponse struct {
	Value []driveResponse `json:"value"`
}

type sharedWithMeResponse struct {
	Value []sharedEntryResponse `json:"value"`
}

type sharedEntryResponse struct {
	driveItemResponse
	Shared *struct {
		SharedBy *identitySet `json:"sharedBy"`
		// API field name; this is the share time.
		SharedDateTime string `json:"sharedDateTime"`
	} `json:"shared"`
}

type siteListResponse struct {
	Value []siteResponse `json:"value"`
}

type siteResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	WebURL      string `json:"webUrl"`
}

func (d *driveResponse) toDrive() Drive {
	drive := Drive{
		ID:        driveid.New(d.ID),
		Name:      d.Name,
		DriveType: d.DriveType,
	}

	if d.Owner != nil {
		drive.OwnerName = d.Owner.User.DisplayName
	}

	if d.Quota != nil {
		drive.QuotaUsed = d.Quota.Used
		drive.QuotaTotal = d.Quota.Total
		drive.QuotaRemain = d.Quota.Remaining
		drive.QuotaState = d.Quota.State
	}

	return drive
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (*User, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ur userResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return nil, fmt.Errorf("graph: decoding user response: %w", err)
	}

	email := ur.Mail
	if email == "" {
		email = ur.UPN
	}

	return &User{ID: ur.ID, DisplayName: ur.DisplayName, Email: email}, nil
}

// DefaultDrive returns the signed-in account's primary drive.
func (c *Client) DefaultDrive(ctx context.Context) (*Drive, error) {
	return c.fetchDrive(ctx, "/me/drive")
}

// Drive returns a drive by ID, including its quota facet.
func (c *Client) Drive(ctx context.Context, driveID driveid.ID) (*Drive, error) {
	return c.fetchDrive(ctx, fmt.Sprintf("/drives/%s", driveID))
}

func (c *Client) fetchDrive(ctx context.Context, apiPath string) (*Drive, error) {
	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr driveResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding drive response: %w", err)
	}

	drive := dr.toDrive()

	c.logger.Debug("fetched drive",
		slog.String("drive_id", drive.ID.String()),
		slog.String("drive_type", drive.DriveType),
	)

	return &drive, nil
}

// Drives lists all drives accessible to the account.
func (c *Client) Drives(ctx context.Context) ([]Drive, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/me/drives", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dlr driveListResponse
	if err := json.NewDecoder(resp.Body).Decode(&dlr); err != nil {
		return nil, fmt.Errorf("graph: decoding drives response: %w", err)
	}

	drives := make([]Drive, 0, len(dlr.Value))
	for i := range dlr.Value {
		drives = append(drives, dlr.Value[i].toDrive())
	}

	return drives, nil
}

// SharedWithMe lists items other accounts have shared with this one.
// Business shared-folder discovery starts here.
func (c *Client) SharedWithMe(ctx context.Context) ([]SharedItem, error) {
	resp, err := c.Do(ctx, http.MethodGet, "/me/drive/sharedWithMe", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var swm sharedWithMeResponse
	if err := json.NewDecoder(resp.Body).Decode(&swm); err != nil {
		return nil, fmt.Errorf("graph: decoding sharedWithMe response: %w", err)
	}

	shared := make([]SharedItem, 0, len(swm.Value))

	for i := range swm.Value {
		entry := SharedItem{Item: swm.Value[i].toItem(c.logger)}

		if s := swm.Value[i].Shared; s != nil {
			entry.SharedBy = s.SharedBy.displayName()
			entry.SharedTime, _ = time.Parse(time.RFC3339, s.SharedDateTime) //nolint:errcheck // zero time on parse failure
		}

		shared = append(shared, entry)
	}

	c.logger.Info("listed shared items",
		slog.Int("count", len(shared)),
	)

	return shared, nil
}

// SearchSites finds SharePoint sites matching the query.
func (c *Client) SearchSites(ctx context.Context, query string) ([]Site, error) {
	apiPath := "/sites?search=" + url.QueryEscape(query)

	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var slr siteListResponse
	if err := json.NewDecoder(resp.Body).Decode(&slr); err != nil {
		return nil, fmt.Errorf("graph: decoding site search response: %w", err)
	}

	sites := make([]Site, 0, len(slr.Value))
	for _, s := range slr.Value {
		sites = append(sites, Site{
			ID:          s.ID,
			Name:        s.Name,
			DisplayName: s.DisplayName,
			WebURL:      s.WebURL,
		})
	}

	return sites, nil
}

// SiteDrives lists the document libraries of a SharePoint site.
func (c *Client) SiteDrives(ctx context.Context, siteID string) ([]Drive, error) {
	apiPath := fmt.Sprintf("/sites/%s/drives", url.PathEscape(siteID))

	resp, err := c.Do(ctx, http.MethodGet, apiPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dlr driveListResponse
	if err := json.NewDecoder(resp.Body).Decode(&dlr); err != nil {
		return nil, fmt.Errorf("graph: decoding site drives response: %w", err)
	}

	drives := make([]Drive, 0, len(dlr.Value))
	for i := range dlr.Value {
		drives = append(drives, dlr.Value[i].toDrive())
	}

	return drives, nil
}
