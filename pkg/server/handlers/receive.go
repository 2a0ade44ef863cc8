package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/httputil"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/peerdrop/peerdrop/pkg/session"
	"github.com/sirupsen/logrus"
)

// ReceiveHandler owns the receiver side of a transfer: prepare-upload,
// upload, and cancel.
type ReceiveHandler struct {
	cfg        *config.Config
	sessions   *session.Manager
	onProgress ProgressFunc
}

// NewReceiveHandler creates a ReceiveHandler. onProgress may be nil.
func NewReceiveHandler(cfg *config.Config, sessions *session.Manager, onProgress ProgressFunc) *ReceiveHandler {
	return &ReceiveHandler{cfg: cfg, sessions: sessions, onProgress: onProgress}
}

// clientIP extracts the bare peer address of a request.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// PrepareUpload handles POST /prepare-upload.
func (h *ReceiveHandler) PrepareUpload(w http.ResponseWriter, r *http.Request) {
	pinRequired := h.cfg.PIN != ""
	if pinRequired {
		if r.URL.Query().Get("pin") != h.cfg.PIN {
			logrus.Warnf("Rejecting /prepare-upload from %s: bad or missing PIN", r.RemoteAddr)
			httputil.RespondMessage(w, http.StatusUnauthorized, "PIN required")
			return
		}
	}

	var dto model.PrepareUploadRequestDto
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		logrus.Debugf("Malformed /prepare-upload body from %s: %v", r.RemoteAddr, err)
		httputil.RespondMessage(w, http.StatusBadRequest, "Request body malformed")
		return
	}
	if len(dto.Files) == 0 {
		httputil.RespondMessage(w, http.StatusBadRequest, "Request must contain at least one file")
		return
	}
	for id, file := range dto.Files {
		if id == "" || file.FileName == "" || file.Size < 0 {
			httputil.RespondMessage(w, http.StatusBadRequest, "Invalid file descriptor")
			return
		}
	}

	ip := clientIP(r)
	logrus.Infof("Transfer request from %s (%s): %d file(s)", dto.Info.Alias, ip, len(dto.Files))

	var prepared *session.Prepared
	var err error
	if pinRequired {
		// The PIN replaces interactive confirmation.
		prepared, err = h.sessions.CreateSessionPreauthorized(dto.Info, ip, dto.Files)
	} else {
		prepared, err = h.sessions.CreateSession(dto.Info, ip, dto.Files)
	}

	switch {
	case errors.Is(err, session.ErrBlocked):
		logrus.Warnf("Blocking /prepare-upload from %s: another session is active", ip)
		httputil.RespondMessage(w, http.StatusConflict, "Blocked by another session")
		return
	case errors.Is(err, session.ErrRejected):
		httputil.RespondMessage(w, http.StatusForbidden, "Transfer rejected")
		return
	case err != nil:
		logrus.Errorf("Session creation failed: %v", err)
		httputil.RespondMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httputil.RespondJSON(w, http.StatusOK, model.PrepareUploadResponseDto{
		SessionID: prepared.SessionID,
		Files:     prepared.Tokens,
	})
}

// Cancel handles POST /cancel. Cancellation is idempotent: cancelling an
// unknown session is indistinguishable from cancelling one twice.
func (h *ReceiveHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		httputil.RespondMessage(w, http.StatusBadRequest, "Missing sessionId parameter")
		return
	}

	h.sessions.Cancel(sessionID)
	httputil.RespondMessage(w, http.StatusOK, "Session canceled")
}
