package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/peerdrop/peerdrop/pkg/httputil"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/peerdrop/peerdrop/pkg/session"
	"github.com/peerdrop/peerdrop/pkg/storage"
	"github.com/sirupsen/logrus"
)

// progressInterval throttles mid-chunk progress callbacks.
const progressInterval = 100 * time.Millisecond

// copyBufferSize bounds the in-memory staging of a streamed chunk.
const copyBufferSize = 256 * 1024

// rangePattern matches `bytes <start>-<end>/<total>`.
var rangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// contentRange is a parsed X-Content-Range header.
type contentRange struct {
	start int64
	end   int64
	total int64
}

// parseContentRange parses the header value. An empty value yields (nil,
// nil): single-shot upload.
func parseContentRange(value string) (*contentRange, error) {
	if value == "" {
		return nil, nil
	}
	m := rangePattern.FindStringSubmatch(value)
	if m == nil {
		return nil, fmt.Errorf("malformed X-Content-Range %q", value)
	}
	start, err1 := strconv.ParseInt(m[1], 10, 64)
	end, err2 := strconv.ParseInt(m[2], 10, 64)
	total, err3 := strconv.ParseInt(m[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return nil, fmt.Errorf("malformed X-Content-Range %q", value)
	}
	if start > end || end >= total {
		return nil, fmt.Errorf("invalid range %d-%d/%d", start, end, total)
	}
	return &contentRange{start: start, end: end, total: total}, nil
}

// Upload handles POST /upload: validates the chunk, streams it to disk,
// and completes the file on its terminal chunk.
func (h *ReceiveHandler) Upload(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := query.Get("sessionId")
	fileID := query.Get("fileId")
	token := query.Get("token")
	if sessionID == "" || fileID == "" || token == "" {
		httputil.RespondMessage(w, http.StatusBadRequest, "Missing query parameters (sessionId, fileId, token)")
		return
	}

	ip := clientIP(r)
	dto, err := h.sessions.AuthorizeChunk(sessionID, fileID, token, ip)
	if err != nil {
		h.respondAuthError(w, r, err)
		return
	}

	dest, err := storage.SafeJoin(h.cfg.SaveDir, dto.FileName)
	if err != nil {
		logrus.Warnf("Refusing upload of %q: %v", dto.FileName, err)
		httputil.RespondMessage(w, http.StatusBadRequest, "Invalid file name")
		return
	}

	cr, err := parseContentRange(r.Header.Get("X-Content-Range"))
	if err != nil {
		httputil.RespondMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	received, _, _ := h.sessions.FileProgress(sessionID, fileID)

	var expected int64
	var truncate bool
	if cr != nil {
		// A total that disagrees with the negotiated size is rejected
		// before any file is touched.
		if cr.total != dto.Size {
			httputil.RespondMessage(w, http.StatusBadRequest,
				fmt.Sprintf("Range total %d does not match file size %d", cr.total, dto.Size))
			return
		}
		// Chunks arrive in strictly increasing order; anything else would
		// break the append-only write.
		if cr.start != received {
			httputil.RespondMessage(w, http.StatusBadRequest,
				fmt.Sprintf("Out-of-order chunk: start %d, expected %d", cr.start, received))
			return
		}
		expected = cr.end - cr.start + 1
		truncate = cr.start == 0
	} else {
		// Single-shot upload: truncate-open on the first byte, also when a
		// previous attempt left partial bytes behind.
		expected = dto.Size
		truncate = true
		received = 0
	}

	if err := h.sessions.EnsureWriter(sessionID, fileID, dest, truncate); err != nil {
		logrus.Errorf("Failed to open %s: %v", dest, err)
		httputil.RespondMessage(w, http.StatusInternalServerError, "Failed to open destination file")
		return
	}

	handle, err := h.sessions.Writer(sessionID, fileID)
	if err != nil {
		httputil.RespondMessage(w, http.StatusInternalServerError, "Failed to open destination file")
		return
	}

	_, startTime, _ := h.sessions.FileProgress(sessionID, fileID)

	counting := &storage.CountingWriter{
		Writer: handle,
		OnWrite: func(n int64) {
			h.sessions.AddBytes(sessionID, fileID, n)
		},
		OnThrottled: func(int64) {
			h.reportProgress(sessionID, fileID, dto, startTime, false, "")
		},
		Interval: progressInterval,
	}

	// Read one byte past the expected length: payload beyond the
	// negotiated size is a protocol violation, not a bigger file.
	written, copyErr := io.CopyBuffer(counting, io.LimitReader(r.Body, expected+1), make([]byte, copyBufferSize))

	chunkStart := received
	if copyErr != nil {
		h.sessions.AbortChunk(sessionID, fileID, chunkStart)
		var maxErr *http.MaxBytesError
		if errors.As(copyErr, &maxErr) {
			logrus.Warnf("Upload body for %s exceeds the request body limit", fileID)
			httputil.RespondMessage(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		logrus.Errorf("Write error for %s: %v", dest, copyErr)
		httputil.RespondMessage(w, http.StatusInternalServerError, "Failed to write file")
		return
	}
	if written > expected {
		h.sessions.AbortChunk(sessionID, fileID, chunkStart)
		logrus.Warnf("Upload for %s carried payload beyond the declared size", fileID)
		httputil.RespondMessage(w, http.StatusBadRequest, "Payload exceeds declared file size")
		return
	}

	total, _, _ := h.sessions.FileProgress(sessionID, fileID)

	terminal := false
	if cr != nil {
		terminal = cr.end+1 >= cr.total
	} else {
		terminal = total >= dto.Size
	}

	if !terminal {
		h.reportProgress(sessionID, fileID, dto, startTime, false, "")
		httputil.RespondJSON(w, http.StatusOK, model.MessageDto{
			Message:       "Chunk received",
			BytesReceived: &total,
			TotalBytes:    &dto.Size,
		})
		return
	}

	if _, err := h.sessions.CompleteFile(sessionID, fileID); err != nil {
		logrus.Errorf("Failed to complete %s: %v", fileID, err)
		httputil.RespondMessage(w, http.StatusInternalServerError, "Failed to finalize file")
		return
	}

	logrus.Infof("File received: %s (%d bytes) -> %s", dto.FileName, total, dest)
	h.reportProgress(sessionID, fileID, dto, startTime, true, dest)
	httputil.RespondMessage(w, http.StatusOK, "File received")
}

// respondAuthError maps the session manager's taxonomy onto HTTP statuses.
func (h *ReceiveHandler) respondAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		httputil.RespondMessage(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrFileNotAccepted):
		httputil.RespondMessage(w, http.StatusNotFound, "File not found in session")
	case errors.Is(err, session.ErrBadToken):
		logrus.Warnf("Bad upload token from %s", r.RemoteAddr)
		httputil.RespondMessage(w, http.StatusForbidden, "Invalid token")
	case errors.Is(err, session.ErrIPMismatch):
		logrus.Warnf("Upload IP mismatch from %s", r.RemoteAddr)
		httputil.RespondMessage(w, http.StatusForbidden, "Invalid IP address")
	default:
		httputil.RespondMessage(w, http.StatusInternalServerError, "Internal server error")
	}
}

// reportProgress invokes the host's progress callback. Speed is bytes per
// elapsed second; zero elapsed time reports 0.
func (h *ReceiveHandler) reportProgress(sessionID, fileID string, dto model.FileDto, startTime time.Time, finished bool, destPath string) {
	if h.onProgress == nil {
		return
	}

	received, _, ok := h.sessions.FileProgress(sessionID, fileID)
	if !ok {
		// The file state is gone after completion; report the full size.
		received = dto.Size
	}

	elapsed := time.Since(startTime).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(received) / elapsed
	}

	if !finished {
		h.onProgress(fileID, dto.FileName, received, dto.Size, speed, false, nil)
		return
	}
	h.onProgress(fileID, dto.FileName, dto.Size, dto.Size, speed, true, &CompletionInfo{
		FilePath:         destPath,
		TotalTimeSeconds: elapsed,
		AverageSpeed:     speed,
	})
}
