// Package locator lets a discovery server advertise its RPC address through an
// out-of-band directory, and lets clients resolve it without static configuration.
//
// Two implementations are provided:
//   - etcd: the address is stored under a TTL lease that is kept alive while the server runs
//   - mDNS: the server answers multicast DNS queries on the local link
//
// Both complement the UDP beacon in package multicast; a client session tries every
// configured resolver while it is auto-discovering.
package locator

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// ErrNotFound is returned by a Resolver that completed its lookup without an answer.
var ErrNotFound = errors.New("locator: discovery server not found")

// Address is where a discovery server accepts RPC connections.
type Address struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Announcer publishes the server address until closed.
type Announcer interface {
	Announce(ctx context.Context, addr Address) error
	Close() error
}

// Resolver looks up a server address. Implementations block until an answer
// is found, the lookup gives up (ErrNotFound), or ctx is done.
type Resolver interface {
	Resolve(ctx context.Context) (Address, error)
	Name() string
}
