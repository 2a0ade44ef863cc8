package model

import (
	"fmt"
	"net"
	"time"
)

// Device represents a peer seen on the network. The IP is always filled in
// by the discovery channel that observed the peer; announcements and info
// responses do not carry it themselves.
type Device struct {
	IP          string       `json:"ip"`
	Version     string       `json:"version"`
	Port        int          `json:"port"`
	Alias       string       `json:"alias"`
	Protocol    ProtocolType `json:"protocol"`
	Fingerprint string       `json:"fingerprint"`
	DeviceModel *string      `json:"deviceModel"` // nullable
	DeviceType  DeviceType   `json:"deviceType"`
	Download    bool         `json:"download"`
	LastSeen    time.Time    `json:"-"`
}

// FromAnnouncement creates a Device from an announcement and its source IP.
func FromAnnouncement(dto AnnouncementDto, ip net.IP) *Device {
	return &Device{
		IP:          ip.String(),
		Version:     dto.Version,
		Port:        dto.Port,
		Alias:       dto.Alias,
		Protocol:    dto.Protocol,
		Fingerprint: dto.Fingerprint,
		DeviceModel: dto.DeviceModel,
		DeviceType:  dto.DeviceType,
		Download:    dto.Download,
		LastSeen:    time.Now(),
	}
}

// FromInfo creates a Device from an /info response plus the probed address.
func FromInfo(dto InfoDto, ip net.IP, port int, protocol ProtocolType) *Device {
	return &Device{
		IP:          ip.String(),
		Version:     dto.Version,
		Port:        port,
		Alias:       dto.Alias,
		Protocol:    protocol,
		Fingerprint: dto.Fingerprint,
		DeviceModel: dto.DeviceModel,
		DeviceType:  dto.DeviceType,
		Download:    dto.Download,
		LastSeen:    time.Now(),
	}
}

// FromRegister creates a Device from a /register body and its source IP.
func FromRegister(dto RegisterDto, ip net.IP) *Device {
	port := dto.Port
	if port <= 0 {
		port = DefaultPort
	}
	return &Device{
		IP:          ip.String(),
		Version:     dto.Version,
		Port:        port,
		Alias:       dto.Alias,
		Protocol:    dto.Protocol,
		Fingerprint: dto.Fingerprint,
		DeviceModel: dto.DeviceModel,
		DeviceType:  dto.DeviceType,
		Download:    dto.Download,
		LastSeen:    time.Now(),
	}
}

// Touch updates the last seen timestamp.
func (d *Device) Touch() {
	d.LastSeen = time.Now()
}

// IsStale reports whether the device has not been seen within threshold.
func (d *Device) IsStale(threshold time.Duration) bool {
	return time.Since(d.LastSeen) > threshold
}

// ToDebugString returns a string representation suitable for debugging.
func (d *Device) ToDebugString() string {
	fp := d.Fingerprint
	if len(fp) > 8 {
		fp = fp[:8]
	}
	model := "nil"
	if d.DeviceModel != nil {
		model = *d.DeviceModel
	}
	return fmt.Sprintf("Device{IP: %s, Protocol: %s, Port: %d, Alias: %s, Fingerprint: %s..., DeviceModel: %s, DeviceType: %s, Download: %t}",
		d.IP, d.Protocol, d.Port, d.Alias, fp, model, d.DeviceType, d.Download)
}
