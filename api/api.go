// Package api defines the request and response payloads of the discovery RPC service.
//
// Two methods are exposed by the registry:
//
//	Discovery.RegisterService(ServiceDto)         -> RegisterServiceResponse
//	Discovery.FindService(FindServiceRequest)     -> FindServiceResponse
//
// Payloads travel as JSON inside a message.RPCMessage envelope.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Fully qualified RPC method names, in the "Service.Method" form the server dispatches on.
const (
	ServiceName           = "Discovery"
	MethodRegisterService = ServiceName + ".RegisterService"
	MethodFindService     = ServiceName + ".FindService"
)

// HealthState is the health a service reports for itself (or Offline, assigned by the registry).
type HealthState int32

const (
	Healthy HealthState = iota
	Unhealthy
	Offline
)

func (h HealthState) String() string {
	switch h {
	case Healthy:
		return "Healthy"
	case Unhealthy:
		return "Unhealthy"
	case Offline:
		return "Offline"
	default:
		return fmt.Sprintf("HealthState(%d)", int32(h))
	}
}

// ParseHealthState accepts the names produced by String, case-insensitively.
func ParseHealthState(s string) (HealthState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "healthy":
		return Healthy, nil
	case "unhealthy":
		return Unhealthy, nil
	case "offline":
		return Offline, nil
	}
	return Healthy, fmt.Errorf("unknown health state %q", s)
}

func (h HealthState) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON accepts either the state name or its numeric value.
func (h *HealthState) UnmarshalJSON(b []byte) error {
	var n int32
	if err := json.Unmarshal(b, &n); err == nil {
		if n < int32(Healthy) || n > int32(Offline) {
			return fmt.Errorf("health state %d out of range", n)
		}
		*h = HealthState(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseHealthState(s)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ServiceDto is the registration payload, and the shape returned by FindService.
// Principal is output only: it is ignored on registration.
type ServiceDto struct {
	ServiceName string            `json:"serviceName"`
	ServiceHost string            `json:"serviceHost"`
	ServicePort int32             `json:"servicePort"`
	HealthState HealthState       `json:"healthState"`
	Scope       string            `json:"scope,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Principal   bool              `json:"principal,omitempty"`
}

// Empty reports whether the payload carries nothing worth registering.
func (d *ServiceDto) Empty() bool {
	return d == nil || d.ServiceName == ""
}

// Address returns "host:port".
func (d ServiceDto) Address() string {
	return fmt.Sprintf("%s:%d", d.ServiceHost, d.ServicePort)
}

func (d ServiceDto) String() string {
	return fmt.Sprintf("%s@%s scope=%q health=%s principal=%t", d.ServiceName, d.Address(), d.Scope, d.HealthState, d.Principal)
}

type RegisterServiceResponse struct {
	Ok                 bool   `json:"ok"`
	Error              string `json:"error,omitempty"`
	RefreshRateSeconds int32  `json:"refreshRateSeconds"`
}

type FindServiceRequest struct {
	Name  string `json:"name"`
	Scope string `json:"scope,omitempty"`
}

type FindServiceResponse struct {
	Ok       bool         `json:"ok"`
	Error    string       `json:"error,omitempty"`
	Services []ServiceDto `json:"services"`
}
