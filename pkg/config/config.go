// Package config builds the node's advertised identity and runtime settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/peerdrop/peerdrop/pkg/crypto"
	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort           = model.DefaultPort
	DefaultMulticastGroup = "224.0.0.167"
	DefaultSaveDir        = "./received_files"

	// DefaultSessionTTL is how long an inbound session may sit idle before
	// the session manager reaps it.
	DefaultSessionTTL = 10 * time.Minute

	DefaultScanInterval    = 30 * time.Second
	DefaultScanConcurrency = 50

	// DefaultMaxBodySize bounds a single /upload request body.
	DefaultMaxBodySize = int64(5) << 30 // 5 GiB
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid-config")

// Options are the caller-supplied knobs; zero values pick defaults.
type Options struct {
	Alias             string
	Port              int
	Protocol          model.ProtocolType
	DeviceType        model.DeviceType
	PIN               string
	SaveDir           string
	EnableDownloadAPI bool
	EnableMetrics     bool
}

// Config is the node's resolved configuration plus its per-run identity.
type Config struct {
	Alias           string
	Port            int
	Protocol        model.ProtocolType
	DeviceModel     *string
	DeviceType      model.DeviceType
	Fingerprint     string
	PIN             string
	SaveDir         string
	Download        bool
	MulticastGroup  string
	SessionTTL      time.Duration
	ScanInterval    time.Duration
	ScanConcurrency int64
	MaxBodySize     int64
	EnableMetrics   bool

	// SecurityContext is non-nil only when Protocol is https.
	SecurityContext *crypto.SecurityContext

	// Environment toggles, read once at startup.
	InsecureTLS    bool
	DebugDiscovery bool
}

// New resolves Options against defaults and environment, and generates the
// node's fingerprint (and TLS material when the protocol is https).
func New(opts Options) (*Config, error) {
	alias := opts.Alias
	if alias == "" {
		alias = os.Getenv("LOCALSEND_ALIAS")
	}
	if alias == "" {
		alias = defaultAlias()
	}

	port := opts.Port
	if port == 0 {
		if p, err := strconv.Atoi(os.Getenv("LOCALSEND_PORT")); err == nil {
			port = p
		} else {
			port = DefaultPort
		}
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range [1, 65535]", ErrInvalidConfig, port)
	}

	protocol := opts.Protocol
	if protocol == "" {
		protocol = model.ProtocolTypeHTTP
	}
	if protocol != model.ProtocolTypeHTTP && protocol != model.ProtocolTypeHTTPS {
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, protocol)
	}

	deviceType := opts.DeviceType
	if deviceType == "" {
		deviceType = detectDeviceType()
	}

	saveDir := opts.SaveDir
	if saveDir == "" {
		saveDir = os.Getenv("LOCALSEND_SAVE_DIR")
	}
	if saveDir == "" {
		saveDir = DefaultSaveDir
	}

	pin := opts.PIN
	if pin == "" {
		pin = os.Getenv("LOCALSEND_PIN")
	}

	deviceModel := "PeerDrop"

	cfg := &Config{
		Alias:           alias,
		Port:            port,
		Protocol:        protocol,
		DeviceModel:     &deviceModel,
		DeviceType:      deviceType,
		PIN:             pin,
		SaveDir:         saveDir,
		Download:        opts.EnableDownloadAPI,
		MulticastGroup:  DefaultMulticastGroup,
		SessionTTL:      DefaultSessionTTL,
		ScanInterval:    DefaultScanInterval,
		ScanConcurrency: DefaultScanConcurrency,
		MaxBodySize:     DefaultMaxBodySize,
		EnableMetrics:   opts.EnableMetrics,
		InsecureTLS:     os.Getenv("LOCALSEND_INSECURE_TLS") != "0",
		DebugDiscovery:  os.Getenv("LOCALSEND_DEBUG_DISCOVERY") == "1",
	}

	if protocol == model.ProtocolTypeHTTPS {
		sc, err := crypto.GenerateSecurityContext(alias)
		if err != nil {
			return nil, fmt.Errorf("failed to generate security context: %w", err)
		}
		cfg.SecurityContext = sc
		cfg.Fingerprint = sc.Fingerprint
	} else {
		fp, err := crypto.RandomFingerprint()
		if err != nil {
			return nil, fmt.Errorf("failed to generate fingerprint: %w", err)
		}
		cfg.Fingerprint = fp
	}

	logrus.Debugf("Config resolved: alias=%s port=%d protocol=%s fingerprint=%.8s...",
		cfg.Alias, cfg.Port, cfg.Protocol, cfg.Fingerprint)

	return cfg, nil
}

// defaultAlias derives an alias from the hostname.
func defaultAlias() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		logrus.Info("Could not get hostname, using generic alias.")
		return "PeerDrop"
	}
	return hostname
}

// detectDeviceType infers the device type from environment hints: an
// explicitly marked server (LOCALSEND_SERVER=1) is a server, an SSH session
// with no display is headless, anything else is a desktop.
func detectDeviceType() model.DeviceType {
	if os.Getenv("LOCALSEND_SERVER") == "1" {
		return model.DeviceTypeServer
	}
	if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" && os.Getenv("SSH_CONNECTION") != "" {
		return model.DeviceTypeHeadless
	}
	return model.DeviceTypeDesktop
}

// ToInfoDto converts Config to the /info response descriptor.
func (c *Config) ToInfoDto() model.InfoDto {
	return model.InfoDto{
		Alias:       c.Alias,
		Version:     model.ProtocolVersion,
		DeviceModel: c.DeviceModel,
		DeviceType:  c.DeviceType,
		Fingerprint: c.Fingerprint,
		Download:    c.Download,
	}
}

// ToRegisterDto converts Config to the full device descriptor.
func (c *Config) ToRegisterDto() model.RegisterDto {
	return model.RegisterDto{
		Alias:       c.Alias,
		Version:     model.ProtocolVersion,
		DeviceModel: c.DeviceModel,
		DeviceType:  c.DeviceType,
		Fingerprint: c.Fingerprint,
		Port:        c.Port,
		Protocol:    c.Protocol,
		Download:    c.Download,
	}
}

// ToAnnouncementDto converts Config to a discovery datagram payload.
func (c *Config) ToAnnouncementDto(announce bool) model.AnnouncementDto {
	return model.AnnouncementDto{
		Alias:       c.Alias,
		Version:     model.ProtocolVersion,
		DeviceModel: c.DeviceModel,
		DeviceType:  c.DeviceType,
		Fingerprint: c.Fingerprint,
		Port:        c.Port,
		Protocol:    c.Protocol,
		Download:    c.Download,
		Announce:    announce,
	}
}
