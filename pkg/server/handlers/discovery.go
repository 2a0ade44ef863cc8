package handlers

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/peerdrop/peerdrop/pkg/config"
	"github.com/peerdrop/peerdrop/pkg/discovery"
	"github.com/peerdrop/peerdrop/pkg/httputil"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/sirupsen/logrus"
)

// DiscoveryHandler answers /info and /register.
type DiscoveryHandler struct {
	cfg      *config.Config
	registry *discovery.Registry
}

// NewDiscoveryHandler creates a DiscoveryHandler.
func NewDiscoveryHandler(cfg *config.Config, registry *discovery.Registry) *DiscoveryHandler {
	return &DiscoveryHandler{cfg: cfg, registry: registry}
}

// Info handles GET /info.
func (h *DiscoveryHandler) Info(w http.ResponseWriter, r *http.Request) {
	logrus.Debugf("Answering /info for %s", r.RemoteAddr)
	httputil.RespondJSON(w, http.StatusOK, h.cfg.ToInfoDto())
}

// Register handles POST /register: the caller's descriptor goes into the
// peer registry and our own comes back.
func (h *DiscoveryHandler) Register(w http.ResponseWriter, r *http.Request) {
	var dto model.RegisterDto
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		logrus.Debugf("Malformed /register body from %s: %v", r.RemoteAddr, err)
		httputil.RespondMessage(w, http.StatusBadRequest, "Request body malformed")
		return
	}
	if dto.Fingerprint == "" {
		httputil.RespondMessage(w, http.StatusBadRequest, "Missing fingerprint")
		return
	}

	if dto.Fingerprint == h.cfg.Fingerprint {
		logrus.Debugf("Ignoring /register from self")
		httputil.RespondJSON(w, http.StatusOK, h.cfg.ToInfoDto())
		return
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer := model.FromRegister(dto, net.ParseIP(host))
		logrus.Infof("Peer registered over HTTP: %s (%.8s...) at %s:%d", peer.Alias, peer.Fingerprint, peer.IP, peer.Port)
		h.registry.Insert(peer)
	}

	httputil.RespondJSON(w, http.StatusOK, h.cfg.ToInfoDto())
}
