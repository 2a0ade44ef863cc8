package discovery

import (
	"encoding/json"
	"testing"

	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAnnouncement(announce bool) model.AnnouncementDto {
	deviceModel := "PeerDrop"
	return model.AnnouncementDto{
		Alias:       "Living Room PC",
		Version:     "2.0",
		DeviceModel: &deviceModel,
		DeviceType:  model.DeviceTypeDesktop,
		Fingerprint: "0123456789abcdef0123456789abcdef",
		Port:        53317,
		Protocol:    model.ProtocolTypeHTTP,
		Download:    false,
		Announce:    announce,
	}
}

func TestEncodeAnnouncement_EmitsBothMarkers(t *testing.T) {
	data, err := EncodeAnnouncement(sampleAnnouncement(true))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), MaxDatagramSize)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, true, raw["announce"])
	assert.Equal(t, true, raw["announcement"])
}

func TestAnnouncementRoundTrip(t *testing.T) {
	for _, announce := range []bool{true, false} {
		in := sampleAnnouncement(announce)
		data, err := EncodeAnnouncement(in)
		require.NoError(t, err)

		out, err := DecodeAnnouncement(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestDecodeAnnouncement_LegacyMarker(t *testing.T) {
	out, err := DecodeAnnouncement([]byte(`{
		"alias": "Old Phone",
		"version": "1.0",
		"deviceType": "mobile",
		"fingerprint": "ffff0000ffff0000ffff0000ffff0000",
		"port": 53317,
		"protocol": "http",
		"announcement": true
	}`))
	require.NoError(t, err)
	assert.True(t, out.Announce, "legacy announcement field must mark a solicitation")
}

func TestDecodeAnnouncement_EitherMarkerWins(t *testing.T) {
	out, err := DecodeAnnouncement([]byte(`{
		"alias": "Mixed",
		"fingerprint": "aa",
		"announce": false,
		"announcement": true
	}`))
	require.NoError(t, err)
	assert.True(t, out.Announce)
}

func TestDecodeAnnouncement_Malformed(t *testing.T) {
	cases := map[string]string{
		"non-json":            `{{{`,
		"missing fingerprint": `{"alias": "x", "port": 53317}`,
		"non-string alias":    `{"alias": 42, "fingerprint": "aa"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeAnnouncement([]byte(payload))
			assert.ErrorIs(t, err, ErrMalformedAnnouncement)
		})
	}
}

func TestDecodeAnnouncement_DefaultsPort(t *testing.T) {
	out, err := DecodeAnnouncement([]byte(`{"alias": "p", "fingerprint": "aa"}`))
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPort, out.Port)
}
