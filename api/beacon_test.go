package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeaconRoundTrip(t *testing.T) {
	data := FormatBeacon("192.168.1.20", 6000)
	assert.Equal(t, "DiscoveryServerIp=192.168.1.20;Port=6000", string(data))

	b, err := ParseBeacon(data)
	require.NoError(t, err)
	assert.Equal(t, Beacon{Host: "192.168.1.20", Port: 6000}, b)
}

// 非法或无关的报文一律拒绝
func TestParseBeaconRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"hello",
		"DiscoveryServerIp=10.0.0.1",
		"DiscoveryServerIp=10.0.0.1;Port=abc",
		"DiscoveryServerIp=10.0.0.1;Port=0",
		"DiscoveryServerIp=10.0.0.1;Port=70000",
		"DiscoveryServerIp=10.0.0.1;Port=6000;Extra=1",
		"Ip=10.0.0.1;Port=6000",
		"DiscoveryServerIp=10.0.0.1;Prt=6000",
	} {
		_, err := ParseBeacon([]byte(in))
		assert.ErrorIs(t, err, ErrBadBeacon, in)
	}
}

func TestParseBeaconTrimsNewline(t *testing.T) {
	b, err := ParseBeacon([]byte("DiscoveryServerIp=10.0.0.1;Port=6001\n"))
	require.NoError(t, err)
	assert.Equal(t, 6001, b.Port)
}
