// Package client implements the peer-facing HTTP client: info, register,
// prepare-upload, chunked upload, and cancel.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/sirupsen/logrus"
)

const apiBase = "/api/localsend/v2"

// Per-operation timeouts.
const (
	InfoTimeout     = 1 * time.Second
	RegisterTimeout = 2 * time.Second
	PrepareTimeout  = 5 * time.Second
	ChunkTimeout    = 30 * time.Second
	CancelTimeout   = 5 * time.Second
)

// Chunking thresholds: files above ChunkThreshold are split into
// ChunkSize-byte ranged uploads. Vars so tests can shrink them.
var (
	ChunkThreshold = int64(50) << 20 // 50 MiB
	ChunkSize      = int64(10) << 20 // 10 MiB
)

// Negotiation outcomes a caller may want to distinguish from plain
// unreachability.
var (
	ErrPinRequired = errors.New("pin required or invalid")
	ErrRejected    = errors.New("rejected by peer")
	ErrBlocked     = errors.New("blocked by another session")
)

// Target addresses one peer endpoint.
type Target struct {
	IP       string
	Port     int
	Protocol model.ProtocolType
}

// TargetFor builds a Target from a discovered device.
func TargetFor(d *model.Device) Target {
	return Target{IP: d.IP, Port: d.Port, Protocol: d.Protocol}
}

func (t Target) url(path string, query url.Values) string {
	u := fmt.Sprintf("%s://%s:%d%s%s", t.Protocol, t.IP, t.Port, apiBase, path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// ProgressFunc observes upload progress; it is invoked before each chunk
// and once with finished=true after the last.
type ProgressFunc func(bytesSent, total int64, finished bool)

// PrepareResult is a successful prepare-upload negotiation.
type PrepareResult struct {
	SessionID string
	Tokens    map[string]string
}

// Client talks to remote peers. One Client is shared by discovery and the
// send path; all operations take per-call contexts.
type Client struct {
	http *http.Client
	self model.RegisterDto
}

// New creates a Client advertising self. When insecureTLS is set (the LAN
// default), certificate verification is disabled: peers present
// self-signed certificates.
func New(self model.RegisterDto, insecureTLS bool) *Client {
	transport := &http.Transport{}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		http: &http.Client{Transport: transport},
		self: self,
	}
}

// Info fetches a peer's descriptor, trying the preferred protocol first and
// the other on failure. Any non-2xx or transport error yields nil.
func (c *Client) Info(ctx context.Context, target Target) *model.Device {
	for _, protocol := range []model.ProtocolType{target.Protocol, target.Protocol.Other()} {
		t := target
		t.Protocol = protocol
		if d := c.infoOnce(ctx, t); d != nil {
			return d
		}
	}
	return nil
}

func (c *Client) infoOnce(ctx context.Context, target Target) *model.Device {
	opCtx, cancel := context.WithTimeout(ctx, InfoTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(opCtx, http.MethodGet, target.url("/info", nil), nil)
	if err != nil {
		return nil
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil
	}

	var dto model.InfoDto
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		logrus.Debugf("Bad /info body from %s: %v", target.IP, err)
		return nil
	}
	return model.FromInfo(dto, parseIP(target.IP), target.Port, target.Protocol)
}

// Register announces self to a peer over HTTP and returns the peer's
// descriptor.
func (c *Client) Register(ctx context.Context, target Target) (*model.Device, error) {
	opCtx, cancel := context.WithTimeout(ctx, RegisterTimeout)
	defer cancel()

	body, err := json.Marshal(c.self)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal register body: %w", err)
	}

	req, err := http.NewRequestWithContext(opCtx, http.MethodPost, target.url("/register", nil), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("register request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("register answered status %d", resp.StatusCode)
	}

	var dto model.InfoDto
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("failed to decode register response: %w", err)
	}
	return model.FromInfo(dto, parseIP(target.IP), target.Port, target.Protocol), nil
}

// PrepareUpload negotiates a transfer of files. A 204 response means the
// peer accepted with nothing to upload (empty token map).
func (c *Client) PrepareUpload(ctx context.Context, target Target, files map[string]model.FileDto, pin string) (*PrepareResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, PrepareTimeout)
	defer cancel()

	body, err := json.Marshal(model.PrepareUploadRequestDto{Info: c.self, Files: files})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prepare-upload body: %w", err)
	}

	query := url.Values{}
	if pin != "" {
		query.Set("pin", pin)
	}
	req, err := http.NewRequestWithContext(opCtx, http.MethodPost, target.url("/prepare-upload", query), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create prepare-upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("prepare-upload request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return &PrepareResult{Tokens: map[string]string{}}, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrPinRequired
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrRejected
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrBlocked
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("prepare-upload answered status %d", resp.StatusCode)
	}

	var dto model.PrepareUploadResponseDto
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("failed to decode prepare-upload response: %w", err)
	}
	return &PrepareResult{SessionID: dto.SessionID, Tokens: dto.Files}, nil
}

// UploadFile streams the file at path to the peer. Files above
// ChunkThreshold are sent as sequential ranged chunks; chunk N+1 starts
// only after chunk N's response. The first non-2xx response aborts.
func (c *Client) UploadFile(ctx context.Context, target Target, sessionID, fileID, token, path string, progress ProgressFunc) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	total := info.Size()

	query := url.Values{}
	query.Set("sessionId", sessionID)
	query.Set("fileId", fileID)
	query.Set("token", token)
	uploadURL := target.url("/upload", query)

	if total <= ChunkThreshold {
		if progress != nil {
			progress(0, total, false)
		}
		if err := c.sendChunk(ctx, uploadURL, io.NewSectionReader(f, 0, total), total, ""); err != nil {
			return err
		}
		if progress != nil {
			progress(total, total, true)
		}
		return nil
	}

	for start := int64(0); start < total; start += ChunkSize {
		size := ChunkSize
		if start+size > total {
			size = total - start
		}
		end := start + size - 1

		if progress != nil {
			progress(start, total, false)
		}

		rangeHeader := fmt.Sprintf("bytes %d-%d/%d", start, end, total)
		if err := c.sendChunk(ctx, uploadURL, io.NewSectionReader(f, start, size), size, rangeHeader); err != nil {
			return fmt.Errorf("chunk %d-%d failed: %w", start, end, err)
		}
	}

	if progress != nil {
		progress(total, total, true)
	}
	return nil
}

func (c *Client) sendChunk(ctx context.Context, uploadURL string, body io.Reader, size int64, rangeHeader string) error {
	opCtx, cancel := context.WithTimeout(ctx, ChunkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(opCtx, http.MethodPost, uploadURL, body)
	if err != nil {
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size
	if rangeHeader != "" {
		req.Header.Set("X-Content-Range", rangeHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload answered status %d", resp.StatusCode)
	}
	return nil
}

// CancelSession asks the peer to tear down a session.
func (c *Client) CancelSession(ctx context.Context, target Target, sessionID string) error {
	opCtx, cancel := context.WithTimeout(ctx, CancelTimeout)
	defer cancel()

	query := url.Values{}
	query.Set("sessionId", sessionID)
	req, err := http.NewRequestWithContext(opCtx, http.MethodPost, target.url("/cancel", query), nil)
	if err != nil {
		return fmt.Errorf("failed to create cancel request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cancel request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel answered status %d", resp.StatusCode)
	}
	return nil
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
