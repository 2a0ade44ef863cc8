// Package discovery handles peer discovery: UDP multicast announcements
// with an HTTP subnet-scan fallback, feeding a shared peer registry.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/peerdrop/peerdrop/pkg/model"
)

// MaxDatagramSize bounds a discovery datagram. Announcements must fit a
// single ethernet frame.
const MaxDatagramSize = 1500

// ErrMalformedAnnouncement marks datagrams that fail decoding. The UDP
// channel is lossy by design, so callers drop these silently.
var ErrMalformedAnnouncement = errors.New("malformed announcement")

// announcementWire is the on-wire form. Older peers send the solicitation
// marker as `announcement` instead of `announce`; we accept either and emit
// both.
type announcementWire struct {
	Alias       string             `json:"alias"`
	Version     string             `json:"version"`
	DeviceModel *string            `json:"deviceModel,omitempty"`
	DeviceType  model.DeviceType   `json:"deviceType"`
	Fingerprint string             `json:"fingerprint"`
	Port        int                `json:"port"`
	Protocol    model.ProtocolType `json:"protocol"`
	Download    bool               `json:"download"`
	Announce    *bool              `json:"announce,omitempty"`
	Legacy      *bool              `json:"announcement,omitempty"`
}

// EncodeAnnouncement serializes an announcement, emitting both the current
// and the legacy solicitation field.
func EncodeAnnouncement(dto model.AnnouncementDto) ([]byte, error) {
	announce := dto.Announce
	wire := announcementWire{
		Alias:       dto.Alias,
		Version:     dto.Version,
		DeviceModel: dto.DeviceModel,
		DeviceType:  dto.DeviceType,
		Fingerprint: dto.Fingerprint,
		Port:        dto.Port,
		Protocol:    dto.Protocol,
		Download:    dto.Download,
		Announce:    &announce,
		Legacy:      &announce,
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal announcement: %w", err)
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("announcement exceeds %d bytes", MaxDatagramSize)
	}
	return data, nil
}

// DecodeAnnouncement parses a datagram. Non-JSON input, a missing
// fingerprint, or a mistyped alias all fail with ErrMalformedAnnouncement.
func DecodeAnnouncement(data []byte) (model.AnnouncementDto, error) {
	var wire announcementWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.AnnouncementDto{}, fmt.Errorf("%w: %v", ErrMalformedAnnouncement, err)
	}
	if wire.Fingerprint == "" {
		return model.AnnouncementDto{}, fmt.Errorf("%w: missing fingerprint", ErrMalformedAnnouncement)
	}

	announce := false
	if wire.Announce != nil && *wire.Announce {
		announce = true
	}
	if wire.Legacy != nil && *wire.Legacy {
		announce = true
	}

	port := wire.Port
	if port <= 0 {
		port = model.DefaultPort
	}

	return model.AnnouncementDto{
		Alias:       wire.Alias,
		Version:     wire.Version,
		DeviceModel: wire.DeviceModel,
		DeviceType:  wire.DeviceType,
		Fingerprint: wire.Fingerprint,
		Port:        port,
		Protocol:    wire.Protocol,
		Download:    wire.Download,
		Announce:    announce,
	}, nil
}
