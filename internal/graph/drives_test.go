package graph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odmirror/odmirror/internal/driveid"
)

func TestDefaultDrive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "BD50CF43646E28E6",
			"name": "OneDrive",
			"driveType": "personal",
			"owner": {"user": {"displayName": "Alice"}},
			"quota": {"used": 100, "total": 1000, "remaining": 900, "state": "normal"}
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	drive, err := client.DefaultDrive(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "bd50cf43646e28e6", drive.ID.String())
	assert.True(t, drive.IsPersonal())
	assert.Equal(t, "Alice", drive.OwnerName)
	assert.Equal(t, int64(900), drive.QuotaRemain)
	assert.Equal(t, "normal", drive.QuotaState)
}

func TestMe_EmailFallsBackToUPN(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "U1", "displayName": "Alice", "userPrincipalName": "alice@example.com"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	user, err := client.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)
}

func TestSharedWithMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive/sharedWithMe", r.URL.Path)
		_, _ = w.Write([]byte(`{"value": [{
			"id": "STUB1",
			"name": "Team Folder",
			"remoteItem": {
				"id": "REAL1",
				"folder": {"childCount": 2},
				"parentReference": {"driveId": "11a2b94265bb3c7d", "id": "RP1"}
			},
			"shared": {
				"sharedBy": {"user": {"displayName": "Bob"}},
				"sharedDateTime": "2025-02-01T10:00:00Z"
			}
		}]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	shared, err := client.SharedWithMe(context.Background())
	require.NoError(t, err)
	require.Len(t, shared, 1)

	assert.Equal(t, "Bob", shared[0].SharedBy)
	assert.Equal(t, 2025, shared[0].SharedTime.Year())
	assert.True(t, shared[0].Item.IsRemote)
	assert.Equal(t, "11a2b94265bb3c7d", shared[0].Item.RemoteDriveID.String())
}

func TestSearchSitesAndSiteDrives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sites":
			assert.Equal(t, "engineering", r.URL.Query().Get("search"))
			_, _ = w.Write([]byte(`{"value": [{
				"id": "contoso.sharepoint.com,abc,def",
				"name": "engineering",
				"displayName": "Engineering",
				"webUrl": "https://contoso.sharepoint.com/sites/engineering"
			}]}`))
		case "/sites/contoso.sharepoint.com,abc,def/drives":
			_, _ = w.Write([]byte(`{"value": [{
				"id": "b!kQnx3leXkk2hMnt",
				"name": "Documents",
				"driveType": "documentLibrary"
			}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	sites, err := client.SearchSites(context.Background(), "engineering")
	require.NoError(t, err)
	require.Len(t, sites, 1)
	assert.Equal(t, "Engineering", sites[0].DisplayName)

	drives, err := client.SiteDrives(context.Background(), sites[0].ID)
	require.NoError(t, err)
	require.Len(t, drives, 1)
	assert.Equal(t, DriveTypeDocLib, drives[0].DriveType)
}

func TestDrive_ByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drives/bd50cf43646e28e6", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": "bd50cf43646e28e6", "driveType": "personal"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	drive, err := client.Drive(context.Background(), driveid.New(testDriveID))
	require.NoError(t, err)
	assert.True(t, drive.IsPersonal())
}
