package network

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubnetCandidates(t *testing.T) {
	candidates := SubnetCandidates(net.ParseIP("192.168.1.42"))

	assert.Len(t, candidates, 253)
	for _, c := range candidates {
		assert.NotEqual(t, "192.168.1.42", c.String(), "scanner must never probe its own IP")
		assert.Equal(t, "192.168.1.", c.String()[:10])
	}
	assert.Equal(t, "192.168.1.1", candidates[0].String())
	assert.Equal(t, "192.168.1.254", candidates[len(candidates)-1].String())
}

func TestSubnetCandidates_EdgeHosts(t *testing.T) {
	// Local address at the low edge of the range.
	candidates := SubnetCandidates(net.ParseIP("10.0.0.1"))
	assert.Len(t, candidates, 253)
	assert.Equal(t, "10.0.0.2", candidates[0].String())
}

func TestSubnetCandidates_NonIPv4(t *testing.T) {
	assert.Nil(t, SubnetCandidates(net.ParseIP("fe80::1")))
}

func TestFormatAddress(t *testing.T) {
	assert.Equal(t, "http://192.168.1.5:53317", FormatAddress("192.168.1.5", 53317, "http"))
	assert.Equal(t, "https://10.0.0.9:8080", FormatAddress("10.0.0.9", 8080, "https"))
}
