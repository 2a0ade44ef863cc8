package discovery

import (
	"testing"

	"github.com/peerdrop/peerdrop/pkg/model"
	"github.com/stretchr/testify/assert"
)

func device(fingerprint, ip string) *model.Device {
	return &model.Device{
		Fingerprint: fingerprint,
		IP:          ip,
		Alias:       "peer-" + fingerprint,
		Port:        model.DefaultPort,
		Protocol:    model.ProtocolTypeHTTP,
	}
}

func TestRegistry_InsertAndGet(t *testing.T) {
	r := NewRegistry()
	r.Insert(device("aaaa", "192.168.1.10"))

	got := r.Get("aaaa")
	assert.NotNil(t, got)
	assert.Equal(t, "192.168.1.10", got.IP)
	assert.Nil(t, r.Get("bbbb"))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DeduplicatesByFingerprint(t *testing.T) {
	r := NewRegistry()
	// Same peer seen by multicast and by the scanner under different
	// addresses: last write wins, one entry remains.
	r.Insert(device("aaaa", "192.168.1.10"))
	r.Insert(device("aaaa", "10.0.0.4"))

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "10.0.0.4", r.Get("aaaa").IP)
}

func TestRegistry_ListenerFiresOnEveryInsert(t *testing.T) {
	r := NewRegistry()
	var seen []string
	r.AddListener(func(d *model.Device) {
		seen = append(seen, d.Fingerprint)
	})

	r.Insert(device("aaaa", "192.168.1.10"))
	r.Insert(device("aaaa", "192.168.1.10")) // refresh, not a new peer
	r.Insert(device("bbbb", "192.168.1.11"))

	assert.Equal(t, []string{"aaaa", "aaaa", "bbbb"}, seen)
}

func TestRegistry_ListenerMayReenter(t *testing.T) {
	// Listeners run outside the registry lock, so a listener that reads the
	// registry must not deadlock.
	r := NewRegistry()
	var lens []int
	r.AddListener(func(*model.Device) {
		lens = append(lens, r.Len())
	})

	r.Insert(device("aaaa", "192.168.1.10"))
	r.Insert(device("bbbb", "192.168.1.11"))
	assert.Equal(t, []int{1, 2}, lens)
}
