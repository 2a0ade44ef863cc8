package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sender(alias string) model.RegisterDto {
	return model.RegisterDto{
		Alias:       alias,
		Version:     model.ProtocolVersion,
		DeviceType:  model.DeviceTypeDesktop,
		Fingerprint: "fp-" + alias,
		Port:        model.DefaultPort,
		Protocol:    model.ProtocolTypeHTTP,
	}
}

func oneFile(id string, size int64) map[string]model.FileDto {
	return map[string]model.FileDto{
		id: {ID: id, FileName: id + ".bin", Size: size, FileType: "application/octet-stream"},
	}
}

func TestCreateSession_IssuesHexTokens(t *testing.T) {
	m := NewManager(time.Minute)
	prepared, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 100))
	require.NoError(t, err)

	assert.Len(t, prepared.SessionID, 32)
	require.Len(t, prepared.Tokens, 1)
	assert.Len(t, prepared.Tokens["f1"], 32)
	assert.True(t, m.HasSession(prepared.SessionID))
}

func TestCreateSession_BlockedByAnotherSession(t *testing.T) {
	m := NewManager(time.Minute)
	first, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 100))
	require.NoError(t, err)

	// A different peer is blocked while the first session lives.
	_, err = m.CreateSession(sender("n3"), "192.168.1.30", oneFile("f2", 100))
	assert.ErrorIs(t, err, ErrBlocked)

	// After cancel, the retry succeeds.
	m.Cancel(first.SessionID)
	_, err = m.CreateSession(sender("n3"), "192.168.1.30", oneFile("f2", 100))
	assert.NoError(t, err)
}

func TestCreateSession_HandlerRejects(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetTransferRequestHandler(func(model.RegisterDto, map[string]model.FileDto) bool { return false })

	_, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 100))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, m.ActiveSessions())
}

func TestCreateSessionPreauthorized_SkipsHandler(t *testing.T) {
	m := NewManager(time.Minute)
	invoked := false
	m.SetTransferRequestHandler(func(model.RegisterDto, map[string]model.FileDto) bool {
		invoked = true
		return false
	})

	_, err := m.CreateSessionPreauthorized(sender("n1"), "192.168.1.10", oneFile("f1", 100))
	assert.NoError(t, err)
	assert.False(t, invoked, "PIN-authenticated requests must not consult the handler")
}

func TestAuthorizeChunk_Taxonomy(t *testing.T) {
	m := NewManager(time.Minute)
	prepared, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 100))
	require.NoError(t, err)
	token := prepared.Tokens["f1"]

	_, err = m.AuthorizeChunk("nope", "f1", token, "192.168.1.10")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.AuthorizeChunk(prepared.SessionID, "f1", token, "192.168.1.66")
	assert.ErrorIs(t, err, ErrIPMismatch)

	_, err = m.AuthorizeChunk(prepared.SessionID, "f9", token, "192.168.1.10")
	assert.ErrorIs(t, err, ErrFileNotAccepted)

	_, err = m.AuthorizeChunk(prepared.SessionID, "f1", "wrong", "192.168.1.10")
	assert.ErrorIs(t, err, ErrBadToken)

	dto, err := m.AuthorizeChunk(prepared.SessionID, "f1", token, "192.168.1.10")
	require.NoError(t, err)
	assert.Equal(t, int64(100), dto.Size)
}

func TestWriteAndCompleteLifecycle(t *testing.T) {
	m := NewManager(time.Minute)
	dir := t.TempDir()
	prepared, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 5))
	require.NoError(t, err)
	sid := prepared.SessionID

	dest := filepath.Join(dir, "f1.bin")
	require.NoError(t, m.EnsureWriter(sid, "f1", dest, true))

	w, err := m.Writer(sid, "f1")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), m.AddBytes(sid, "f1", 5))

	done, err := m.CompleteFile(sid, "f1")
	require.NoError(t, err)
	assert.True(t, done, "last file completion destroys the session")
	assert.False(t, m.HasSession(sid))

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestCompleteFile_PartialSessionSurvives(t *testing.T) {
	m := NewManager(time.Minute)
	dir := t.TempDir()
	files := map[string]model.FileDto{
		"f1": {ID: "f1", FileName: "a.bin", Size: 1},
		"f2": {ID: "f2", FileName: "b.bin", Size: 1},
	}
	prepared, err := m.CreateSession(sender("n1"), "192.168.1.10", files)
	require.NoError(t, err)
	sid := prepared.SessionID

	require.NoError(t, m.EnsureWriter(sid, "f1", filepath.Join(dir, "a.bin"), true))
	done, err := m.CompleteFile(sid, "f1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.True(t, m.HasSession(sid))

	// A further chunk for the completed file is no longer accepted.
	_, err = m.AuthorizeChunk(sid, "f1", prepared.Tokens["f1"], "192.168.1.10")
	assert.ErrorIs(t, err, ErrFileNotAccepted)
}

func TestEnsureWriter_AppendAfterClose(t *testing.T) {
	m := NewManager(time.Minute)
	dir := t.TempDir()
	prepared, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 10))
	require.NoError(t, err)
	sid := prepared.SessionID
	dest := filepath.Join(dir, "f1.bin")

	require.NoError(t, m.EnsureWriter(sid, "f1", dest, true))
	w, err := m.Writer(sid, "f1")
	require.NoError(t, err)
	_, err = w.Write([]byte("12345"))
	require.NoError(t, err)
	m.AddBytes(sid, "f1", 5)

	// Simulate the handle having been closed (as after an I/O error).
	m.CloseWriter(sid, "f1")
	_, err = m.Writer(sid, "f1")
	assert.Error(t, err)

	// Next chunk reopens for append.
	require.NoError(t, m.EnsureWriter(sid, "f1", dest, false))
	w, err = m.Writer(sid, "f1")
	require.NoError(t, err)
	_, err = w.Write([]byte("67890"))
	require.NoError(t, err)
	m.AddBytes(sid, "f1", 5)

	_, err = m.CompleteFile(sid, "f1")
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "1234567890", string(data))
}

func TestAbortChunk_RollsBackAccountingAndFile(t *testing.T) {
	m := NewManager(time.Minute)
	dir := t.TempDir()
	prepared, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 20))
	require.NoError(t, err)
	sid := prepared.SessionID
	dest := filepath.Join(dir, "f1.bin")

	// First chunk lands fine.
	require.NoError(t, m.EnsureWriter(sid, "f1", dest, true))
	w, err := m.Writer(sid, "f1")
	require.NoError(t, err)
	w.Write([]byte("0123456789"))
	m.AddBytes(sid, "f1", 10)

	// Second chunk fails halfway through.
	w.Write([]byte("abc"))
	m.AddBytes(sid, "f1", 3)
	m.AbortChunk(sid, "f1", 10)

	got, _, ok := m.FileProgress(sid, "f1")
	require.True(t, ok)
	assert.Equal(t, int64(10), got, "accounting rolls back to the chunk boundary")

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data), "partial chunk bytes are truncated away")

	// The retried chunk lines up and appends cleanly.
	require.NoError(t, m.EnsureWriter(sid, "f1", dest, false))
	w, err = m.Writer(sid, "f1")
	require.NoError(t, err)
	w.Write([]byte("abcdefghij"))
	m.AddBytes(sid, "f1", 10)
	_, err = m.CompleteFile(sid, "f1")
	require.NoError(t, err)

	data, err = os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdefghij", string(data))
}

func TestCancel_Idempotent(t *testing.T) {
	m := NewManager(time.Minute)
	prepared, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 100))
	require.NoError(t, err)

	m.Cancel(prepared.SessionID)
	m.Cancel(prepared.SessionID) // second cancel is a no-op
	assert.False(t, m.HasSession(prepared.SessionID))
}

func TestReaper_EvictsIdleSessions(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	prepared, err := m.CreateSession(sender("n1"), "192.168.1.10", oneFile("f1", 100))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.reapIdle()
	assert.False(t, m.HasSession(prepared.SessionID))
}
