package client

import (
	"context"
	"fmt"

	"mini-discovery/api"
	"mini-discovery/loadbalance"
)

var ErrNoInstances = loadbalance.ErrNoInstances

// Resolver turns a service name into one instance address: FindService on the
// discovery server, then a load balancing strategy over the results.
type Resolver struct {
	client   *Client
	balancer loadbalance.Balancer
}

// NewResolver uses the principal-first strategy when balancer is nil.
func NewResolver(c *Client, balancer loadbalance.Balancer) *Resolver {
	if balancer == nil {
		balancer = loadbalance.NewPrincipal(nil)
	}
	return &Resolver{client: c, balancer: balancer}
}

// Resolve picks an instance of name within scope. key feeds key-affine
// strategies and is ignored by the others.
func (r *Resolver) Resolve(ctx context.Context, name, scope, key string) (api.ServiceDto, error) {
	resp := r.client.FindService(ctx, name, scope)
	if !resp.Ok {
		return api.ServiceDto{}, fmt.Errorf("client: find %s: %s", name, resp.Error)
	}
	if len(resp.Services) == 0 {
		return api.ServiceDto{}, fmt.Errorf("client: %s: %w", name, ErrNoInstances)
	}
	return r.balancer.Pick(key, resp.Services)
}
