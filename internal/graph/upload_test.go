package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odmirror/odmirror/internal/driveid"
)

func TestSimpleUpload(t *testing.T) {
	content := []byte("hello world")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/drives/bd50cf43646e28e6/items/PARENT1:/new%20file.txt:/content", r.URL.EscapedPath())
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, content, body)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "NEW1", "name": "new file.txt", "size": 11}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	item, err := client.SimpleUpload(context.Background(), driveid.New(testDriveID),
		"PARENT1", "new file.txt", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	assert.Equal(t, "NEW1", item.ID)
	assert.Equal(t, int64(11), item.Size)
}

func TestCreateUploadSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "old-etag", r.Header.Get("If-Match"))

		var req createUploadSessionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "replace", req.Item.ConflictBehavior)
		require.NotNil(t, req.Item.FileSystemInfo)
		assert.Equal(t, "2025-04-01T09:30:00Z", req.Item.FileSystemInfo.LastModifiedDateTime)

		_, _ = w.Write([]byte(`{
			"uploadUrl": "https://upload.example/session/abc",
			"expirationDateTime": "2025-04-02T09:30:00Z"
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	session, err := client.CreateUploadSession(context.Background(), driveid.New(testDriveID),
		"PARENT1", "big.bin", time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC), "old-etag", true)
	require.NoError(t, err)

	assert.Equal(t, "https://upload.example/session/abc", session.UploadURL)
	assert.Equal(t, 2025, session.ExpirationTime.Year())
}

func TestUploadFragment_Intermediate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes 0-327679/1000000", r.Header.Get("Content-Range"))
		assert.Empty(t, r.Header.Get("Authorization"), "session URL is pre-authenticated")

		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"nextExpectedRanges": ["327680-999999"]}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	session := &UploadSession{UploadURL: srv.URL + "/session/abc"}

	fragment := strings.NewReader(strings.Repeat("x", FragmentAlignment))

	item, err := client.UploadFragment(context.Background(), session, fragment, 0, FragmentAlignment, 1000000)
	require.NoError(t, err)
	assert.Nil(t, item, "intermediate fragment returns no item")
}

func TestUploadFragment_Final(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": "DONE1", "name": "big.bin", "size": 1000000}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	session := &UploadSession{UploadURL: srv.URL + "/session/abc"}

	item, err := client.UploadFragment(context.Background(), session,
		strings.NewReader("tail"), 999996, 4, 1000000)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "DONE1", item.ID)
}

func TestUploadFragment_RangeNotSatisfiable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	session := &UploadSession{UploadURL: srv.URL + "/session/abc"}

	_, err := client.UploadFragment(context.Background(), session,
		strings.NewReader("dup"), 0, 3, 100)
	assert.ErrorIs(t, err, ErrRangeNotSatisfiable)
}

func TestQueryUploadSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{
			"uploadUrl": "https://upload.example/session/abc",
			"expirationDateTime": "2025-04-02T09:30:00Z",
			"nextExpectedRanges": ["655360-999999"]
		}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	session := &UploadSession{UploadURL: srv.URL + "/session/abc"}

	status, err := client.QueryUploadSession(context.Background(), session)
	require.NoError(t, err)

	require.Len(t, status.NextExpectedRanges, 1)
	assert.Equal(t, "655360-999999", status.NextExpectedRanges[0])
}

func TestCancelUploadSession(t *testing.T) {
	var gotMethod string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	session := &UploadSession{UploadURL: srv.URL + "/session/abc"}

	require.NoError(t, client.CancelUploadSession(context.Background(), session))
	assert.Equal(t, http.MethodDelete, gotMethod)
}

func TestSimpleUpload_DoesNotRetry(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.SimpleUpload(context.Background(), driveid.New(testDriveID),
		"PARENT1", "f.txt", strings.NewReader("x"), 1)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "content uploads must not replay a consumed reader")
}
