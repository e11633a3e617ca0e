// Package message defines the envelope of one discovery RPC call.
//
// The envelope is encoded by a codec and carried in a protocol frame; the
// arguments and the reply travel inside it as JSON.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrBadServiceMethod = errors.New("message: service/method request ill-formed")

type RPCMessage struct {
	ServiceMethod string // "Service.Method", e.g. "Discovery.RegisterService"
	Error         string // set on a response when the handler failed
	Payload       []byte // JSON of the args (request) or reply (response)
}

// NewRequest builds a request envelope with args encoded as the payload.
func NewRequest(serviceMethod string, args any) (*RPCMessage, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("message: encode args for %s: %w", serviceMethod, err)
	}
	return &RPCMessage{ServiceMethod: serviceMethod, Payload: payload}, nil
}

// Split returns the service and method parts of ServiceMethod.
func (m *RPCMessage) Split() (service, method string, err error) {
	dot := strings.LastIndex(m.ServiceMethod, ".")
	if dot <= 0 || dot == len(m.ServiceMethod)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrBadServiceMethod, m.ServiceMethod)
	}
	return m.ServiceMethod[:dot], m.ServiceMethod[dot+1:], nil
}

// DecodePayload unmarshals the payload into v. An empty payload leaves v untouched.
func (m *RPCMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Err returns the remote error of a response, or nil.
func (m *RPCMessage) Err() error {
	if m.Error == "" {
		return nil
	}
	return errors.New(m.Error)
}
