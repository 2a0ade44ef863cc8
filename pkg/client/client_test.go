package client

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSelf() model.RegisterDto {
	return model.RegisterDto{
		Alias:       "sender",
		Version:     model.ProtocolVersion,
		DeviceType:  model.DeviceTypeDesktop,
		Fingerprint: "sender-fingerprint",
		Port:        model.DefaultPort,
		Protocol:    model.ProtocolTypeHTTP,
	}
}

// targetFor converts an httptest server URL into a Target.
func targetFor(t *testing.T, srv *httptest.Server) Target {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return Target{IP: u.Hostname(), Port: port, Protocol: model.ProtocolTypeHTTP}
}

func TestInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/localsend/v2/info", r.URL.Path)
		json.NewEncoder(w).Encode(model.InfoDto{
			Alias:       "receiver",
			Version:     model.ProtocolVersion,
			DeviceType:  model.DeviceTypeHeadless,
			Fingerprint: "receiver-fingerprint",
		})
	}))
	defer srv.Close()

	c := New(testSelf(), true)
	d := c.Info(context.Background(), targetFor(t, srv))
	require.NotNil(t, d)
	assert.Equal(t, "receiver", d.Alias)
	assert.Equal(t, "receiver-fingerprint", d.Fingerprint)
}

func TestInfo_Unreachable(t *testing.T) {
	c := New(testSelf(), true)
	d := c.Info(context.Background(), Target{IP: "127.0.0.1", Port: 1, Protocol: model.ProtocolTypeHTTP})
	assert.Nil(t, d)
}

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/localsend/v2/register", r.URL.Path)
		var dto model.RegisterDto
		require.NoError(t, json.NewDecoder(r.Body).Decode(&dto))
		assert.Equal(t, "sender", dto.Alias)
		json.NewEncoder(w).Encode(model.InfoDto{Alias: "receiver", Fingerprint: "rf"})
	}))
	defer srv.Close()

	c := New(testSelf(), true)
	d, err := c.Register(context.Background(), targetFor(t, srv))
	require.NoError(t, err)
	assert.Equal(t, "receiver", d.Alias)
}

func TestPrepareUpload_Statuses(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrPinRequired},
		{http.StatusForbidden, ErrRejected},
		{http.StatusConflict, ErrBlocked},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := New(testSelf(), true)
			_, err := c.PrepareUpload(context.Background(), targetFor(t, srv), nil, "")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPrepareUpload_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(testSelf(), true)
	res, err := c.PrepareUpload(context.Background(), targetFor(t, srv), nil, "")
	require.NoError(t, err)
	assert.Empty(t, res.Tokens)
}

func TestPrepareUpload_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "123456", r.URL.Query().Get("pin"))
		var body model.PrepareUploadRequestDto
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body.Files, 1)
		json.NewEncoder(w).Encode(model.PrepareUploadResponseDto{
			SessionID: "deadbeefdeadbeefdeadbeefdeadbeef",
			Files:     map[string]string{"f1": "token1"},
		})
	}))
	defer srv.Close()

	c := New(testSelf(), true)
	files := map[string]model.FileDto{"f1": {ID: "f1", FileName: "a.txt", Size: 3}}
	res, err := c.PrepareUpload(context.Background(), targetFor(t, srv), files, "123456")
	require.NoError(t, err)
	assert.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", res.SessionID)
	assert.Equal(t, "token1", res.Tokens["f1"])
}

func TestUploadFile_SingleShot(t *testing.T) {
	content := []byte("hello, single-shot world")
	dir := t.TempDir()
	path := filepath.Join(dir, "small.txt")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Content-Range"), "small files upload without a range header")
		assert.Equal(t, "sid", r.URL.Query().Get("sessionId"))
		assert.Equal(t, "f1", r.URL.Query().Get("fileId"))
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		body, _ := io.ReadAll(r.Body)
		received = body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var calls []bool
	progress := func(sent, total int64, finished bool) { calls = append(calls, finished) }

	c := New(testSelf(), true)
	err := c.UploadFile(context.Background(), targetFor(t, srv), "sid", "f1", "tok", path, progress)
	require.NoError(t, err)
	assert.Equal(t, content, received)
	assert.Equal(t, []bool{false, true}, calls)
}

func TestUploadFile_Chunked(t *testing.T) {
	// 25 bytes with a 10-byte chunk size: ranges 0-9, 10-19, 20-24.
	content := make([]byte, 25)
	_, err := rand.Read(content)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	restoreThreshold, restoreSize := chunkParams()
	defer setChunkParams(restoreThreshold, restoreSize)
	setChunkParams(20, 10)

	var ranges []string
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ranges = append(ranges, r.Header.Get("X-Content-Range"))
		body, _ := io.ReadAll(r.Body)
		received = append(received, body...)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testSelf(), true)
	err = c.UploadFile(context.Background(), targetFor(t, srv), "sid", "f1", "tok", path, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"bytes 0-9/25",
		"bytes 10-19/25",
		"bytes 20-24/25",
	}, ranges)
	assert.Equal(t, content, received)
}

func TestUploadFile_StopsOnError(t *testing.T) {
	content := make([]byte, 25)
	dir := t.TempDir()
	path := filepath.Join(dir, "big.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	restoreThreshold, restoreSize := chunkParams()
	defer setChunkParams(restoreThreshold, restoreSize)
	setChunkParams(20, 10)

	var posts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts++
		if posts == 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testSelf(), true)
	err := c.UploadFile(context.Background(), targetFor(t, srv), "sid", "f1", "tok", path, nil)
	require.Error(t, err)
	assert.Equal(t, 2, posts, "upload must stop at the first failed chunk")
	assert.True(t, strings.Contains(err.Error(), "404"))
}

func TestCancelSession(t *testing.T) {
	var gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/localsend/v2/cancel", r.URL.Path)
		gotSession = r.URL.Query().Get("sessionId")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(testSelf(), true)
	require.NoError(t, c.CancelSession(context.Background(), targetFor(t, srv), "sid"))
	assert.Equal(t, "sid", gotSession)
}
