// Package session owns the receiver-side transfer state: active sessions,
// per-file tokens and accounting, and open write handles. All mutation goes
// through the Manager's mutex; lock hold times stay O(1) and file I/O
// happens outside the lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/peerdrop/peerdrop/pkg/crypto"
	"github.com/peerdrop/peerdrop/pkg/metrics"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/sirupsen/logrus"
)

// Authorisation and state errors, mapped to HTTP statuses by the handlers.
var (
	ErrSessionNotFound = errors.New("session-not-found")
	ErrFileNotAccepted = errors.New("file-not-accepted")
	ErrBadToken        = errors.New("bad-token")
	ErrIPMismatch      = errors.New("ip-mismatch")
	ErrBlocked         = errors.New("blocked-by-another-session")
	ErrRejected        = errors.New("rejected-by-user")
)

// TransferRequestHandler decides whether an inbound transfer is accepted.
// It runs in the request-handling goroutine and must not block for long.
type TransferRequestHandler func(sender model.RegisterDto, files map[string]model.FileDto) bool

// FileState tracks one accepted file within a session.
type FileState struct {
	Dto           model.FileDto
	Token         string
	BytesReceived int64
	StartTime     time.Time

	handle *os.File
	closed bool
	// received marks the file fully written; its state is then inert.
	received bool
}

// Session is the receiver-side record created by prepare-upload.
type Session struct {
	ID            string
	Sender        model.RegisterDto
	ClientAddress string
	Files         map[string]*FileState
	LastActivity  time.Time
}

func (s *Session) allReceived() bool {
	for _, f := range s.Files {
		if !f.received {
			return false
		}
	}
	return true
}

// Prepared is what CreateSession hands back to the prepare-upload handler.
type Prepared struct {
	SessionID string
	Tokens    map[string]string
}

// Manager holds the active-session table. A single mutex guards it; the
// per-file write handles are serialised by the in-order chunk property and
// only touched by the handler currently streaming that file.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration

	onRequest TransferRequestHandler

	cancelReaper context.CancelFunc
	wg           sync.WaitGroup
}

// NewManager creates a session manager with the given idle TTL.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
	}
}

// SetTransferRequestHandler installs the host's acceptance callback.
func (m *Manager) SetTransferRequestHandler(fn TransferRequestHandler) {
	m.mu.Lock()
	m.onRequest = fn
	m.mu.Unlock()
}

// CreateSession negotiates a new inbound session, consulting the
// transfer-request handler when one is installed. Requests already
// authenticated by a PIN use CreateSessionPreauthorized instead (the PIN
// replaces interactive confirmation). At most one session is active at a
// time; a request while any other session lives fails with ErrBlocked.
func (m *Manager) CreateSession(sender model.RegisterDto, clientIP string, files map[string]model.FileDto) (*Prepared, error) {
	return m.createSession(sender, clientIP, files, false)
}

// CreateSessionPreauthorized is CreateSession without consulting the
// transfer-request handler.
func (m *Manager) CreateSessionPreauthorized(sender model.RegisterDto, clientIP string, files map[string]model.FileDto) (*Prepared, error) {
	return m.createSession(sender, clientIP, files, true)
}

func (m *Manager) createSession(sender model.RegisterDto, clientIP string, files map[string]model.FileDto, skipApproval bool) (*Prepared, error) {
	if err := m.checkBlocked(); err != nil {
		return nil, err
	}

	// Consult the host outside the lock; the callback may take its time
	// (e.g. waiting on a UI prompt).
	if !skipApproval {
		m.mu.Lock()
		handler := m.onRequest
		m.mu.Unlock()
		if handler != nil && !handler(sender, files) {
			return nil, ErrRejected
		}
	}

	sessionID, err := crypto.RandomID(16)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	states := make(map[string]*FileState, len(files))
	tokens := make(map[string]string, len(files))
	for fileID, dto := range files {
		token, err := crypto.RandomID(16)
		if err != nil {
			return nil, fmt.Errorf("failed to generate file token: %w", err)
		}
		states[fileID] = &FileState{Dto: dto, Token: token}
		tokens[fileID] = token
	}

	session := &Session{
		ID:            sessionID,
		Sender:        sender,
		ClientAddress: clientIP,
		Files:         states,
		LastActivity:  time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Re-check under the lock: a concurrent prepare-upload may have won the
	// race while the approval callback ran.
	if len(m.sessions) > 0 {
		return nil, ErrBlocked
	}
	m.sessions[sessionID] = session

	metrics.SessionsCreated.Inc()
	logrus.Infof("Created session %s for %s (%s), %d file(s)", sessionID, sender.Alias, clientIP, len(files))
	return &Prepared{SessionID: sessionID, Tokens: tokens}, nil
}

func (m *Manager) checkBlocked() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) > 0 {
		return ErrBlocked
	}
	return nil
}

// AuthorizeChunk validates an upload chunk request against the session
// table and returns the file descriptor on success.
func (m *Manager) AuthorizeChunk(sessionID, fileID, token, clientIP string) (model.FileDto, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return model.FileDto{}, ErrSessionNotFound
	}
	if session.ClientAddress != clientIP {
		return model.FileDto{}, ErrIPMismatch
	}
	state, ok := session.Files[fileID]
	if !ok || state.received {
		return model.FileDto{}, ErrFileNotAccepted
	}
	if state.Token != token {
		return model.FileDto{}, ErrBadToken
	}

	session.LastActivity = time.Now()
	return state.Dto, nil
}

// EnsureWriter opens (or reopens) the destination file for fileID. truncate
// selects O_TRUNC (chunk start 0 or single-shot first byte) versus append.
// The open happens outside the manager lock.
func (m *Manager) EnsureWriter(sessionID, fileID, destPath string, truncate bool) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", destPath, err)
	}

	m.mu.Lock()
	state, err := m.fileStateLocked(sessionID, fileID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	existing := state.handle
	hasOpen := existing != nil && !state.closed
	m.mu.Unlock()

	if hasOpen && !truncate {
		return nil
	}

	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	handle, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", destPath, err)
	}

	m.mu.Lock()
	state, stateErr := m.fileStateLocked(sessionID, fileID)
	if stateErr != nil {
		m.mu.Unlock()
		handle.Close()
		return stateErr
	}
	old := state.handle
	state.handle = handle
	state.closed = false
	if truncate {
		state.BytesReceived = 0
	}
	if state.StartTime.IsZero() {
		state.StartTime = time.Now()
	}
	m.mu.Unlock()

	if old != nil && old != handle {
		old.Close()
	}
	return nil
}

// Writer returns the open write handle for a file.
func (m *Manager) Writer(sessionID, fileID string) (*os.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.fileStateLocked(sessionID, fileID)
	if err != nil {
		return nil, err
	}
	if state.handle == nil || state.closed {
		return nil, fmt.Errorf("no open write handle for file %s", fileID)
	}
	return state.handle, nil
}

// AddBytes records n received payload bytes and returns the new total.
func (m *Manager) AddBytes(sessionID, fileID string, n int64) int64 {
	metrics.UploadBytes.Add(float64(n))

	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.fileStateLocked(sessionID, fileID)
	if err != nil {
		return 0
	}
	state.BytesReceived += n
	if session, ok := m.sessions[sessionID]; ok {
		session.LastActivity = time.Now()
	}
	return state.BytesReceived
}

// FileProgress returns the accounting for one file.
func (m *Manager) FileProgress(sessionID, fileID string) (bytesReceived int64, startTime time.Time, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, err := m.fileStateLocked(sessionID, fileID)
	if err != nil {
		return 0, time.Time{}, false
	}
	return state.BytesReceived, state.StartTime, true
}

// CloseWriter closes a file's write handle after an I/O error. The session
// survives; the sender may retry the chunk.
func (m *Manager) CloseWriter(sessionID, fileID string) {
	m.mu.Lock()
	state, err := m.fileStateLocked(sessionID, fileID)
	var handle *os.File
	if err == nil && state.handle != nil && !state.closed {
		handle = state.handle
		state.closed = true
	}
	m.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}

// AbortChunk rolls a file back to offset after a failed chunk: the handle
// is truncated to the bytes that preceded the chunk and closed, and the
// accounting reset, so a retry of the same chunk lines up again.
func (m *Manager) AbortChunk(sessionID, fileID string, offset int64) {
	m.mu.Lock()
	state, err := m.fileStateLocked(sessionID, fileID)
	var handle *os.File
	if err == nil {
		state.BytesReceived = offset
		if state.handle != nil && !state.closed {
			handle = state.handle
			state.closed = true
		}
	}
	m.mu.Unlock()

	if handle != nil {
		if err := handle.Truncate(offset); err != nil {
			logrus.Warnf("Failed to roll back %s to %d bytes: %v", fileID, offset, err)
		}
		handle.Close()
	}
}

// CompleteFile marks a file fully received, closes its handle, and
// destroys the session when every accepted file is in. It reports whether
// the session is gone.
func (m *Manager) CompleteFile(sessionID, fileID string) (sessionDone bool, err error) {
	m.mu.Lock()
	state, stateErr := m.fileStateLocked(sessionID, fileID)
	if stateErr != nil {
		m.mu.Unlock()
		return false, stateErr
	}
	handle := state.handle
	state.handle = nil
	state.closed = true
	state.received = true

	session := m.sessions[sessionID]
	done := session.allReceived()
	if done {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if handle != nil {
		if err := handle.Close(); err != nil {
			return done, fmt.Errorf("failed to close %s: %w", fileID, err)
		}
	}

	metrics.FilesReceived.Inc()
	if done {
		logrus.Infof("Session %s complete, all files received", sessionID)
	}
	return done, nil
}

// Cancel tears down a session: every open write handle is closed and the
// record removed. Partial files remain on disk. Idempotent.
func (m *Manager) Cancel(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	var handles []*os.File
	if ok {
		for _, state := range session.Files {
			if state.handle != nil && !state.closed {
				handles = append(handles, state.handle)
				state.closed = true
			}
			state.handle = nil
		}
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	for _, h := range handles {
		h.Close()
	}
	metrics.SessionsCancelled.Inc()
	logrus.Infof("Session %s cancelled", sessionID)
}

// CancelAll tears down every active session. Used during shutdown.
func (m *Manager) CancelAll() {
	for _, id := range m.ActiveSessions() {
		m.Cancel(id)
	}
}

// ActiveSessions returns the IDs of all live sessions.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// HasSession reports whether the session is live.
func (m *Manager) HasSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// StartReaper begins periodic eviction of idle sessions.
func (m *Manager) StartReaper(ctx context.Context) {
	if m.ttl <= 0 {
		return
	}
	reapCtx, cancel := context.WithCancel(ctx)
	m.cancelReaper = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-reapCtx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

// StopReaper halts the eviction loop.
func (m *Manager) StopReaper() {
	if m.cancelReaper != nil {
		m.cancelReaper()
	}
	m.wg.Wait()
}

func (m *Manager) reapIdle() {
	m.mu.Lock()
	var expired []string
	for id, session := range m.sessions {
		if time.Since(session.LastActivity) > m.ttl {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		logrus.Warnf("Reaping idle session %s (no activity for %v)", id, m.ttl)
		m.Cancel(id)
	}
}

// fileStateLocked resolves a file's state; callers hold m.mu.
func (m *Manager) fileStateLocked(sessionID, fileID string) (*FileState, error) {
	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	state, ok := session.Files[fileID]
	if !ok {
		return nil, ErrFileNotAccepted
	}
	return state, nil
}
