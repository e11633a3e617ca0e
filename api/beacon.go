package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Beacon keys. The datagram is "DiscoveryServerIp=<ipv4>;Port=<int>".
const (
	BeaconHostKey = "DiscoveryServerIp"
	BeaconPortKey = "Port"
)

var ErrBadBeacon = errors.New("api: not a discovery beacon")

// Beacon is the announcement a discovery server multicasts. Host is what the
// server believes its address is; receivers should prefer the datagram source.
type Beacon struct {
	Host string
	Port int
}

func FormatBeacon(host string, port int) []byte {
	return []byte(BeaconHostKey + "=" + host + ";" + BeaconPortKey + "=" + strconv.Itoa(port))
}

// ParseBeacon accepts exactly two key=value fields, the first one being the
// server address and the second an integer port.
func ParseBeacon(data []byte) (Beacon, error) {
	fields := strings.Split(strings.TrimSpace(string(data)), ";")
	if len(fields) != 2 {
		return Beacon{}, ErrBadBeacon
	}
	hostKey, host, ok := strings.Cut(fields[0], "=")
	if !ok || hostKey != BeaconHostKey {
		return Beacon{}, ErrBadBeacon
	}
	portKey, rawPort, ok := strings.Cut(fields[1], "=")
	if !ok || portKey != BeaconPortKey {
		return Beacon{}, ErrBadBeacon
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port <= 0 || port > 65535 {
		return Beacon{}, fmt.Errorf("%w: port %q", ErrBadBeacon, rawPort)
	}
	return Beacon{Host: host, Port: port}, nil
}
