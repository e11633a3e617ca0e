package client

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MetadataProvider contributes entries to every registration. Later providers
// override earlier ones on key collisions.
type MetadataProvider interface {
	Metadata() map[string]string
}

// MetadataFunc adapts a function to MetadataProvider.
type MetadataFunc func() map[string]string

func (f MetadataFunc) Metadata() map[string]string { return f() }

// Keys written by HostInfoProvider.
const (
	MetaInstanceID = "instanceId"
	MetaMachine    = "machineName"
	MetaUser       = "userName"
	MetaProcess    = "processName"
	MetaPID        = "processId"
	MetaStartTime  = "startTime"
	MetaOS         = "os"
)

// HostInfoProvider describes the host and process. Values are computed once;
// the instance id is a random UUID that changes on every process start.
type HostInfoProvider struct {
	values map[string]string
}

func NewHostInfoProvider() *HostInfoProvider {
	v := map[string]string{
		MetaInstanceID: uuid.NewString(),
		MetaProcess:    filepath.Base(os.Args[0]),
		MetaPID:        strconv.Itoa(os.Getpid()),
		MetaStartTime:  time.Now().UTC().Format(time.RFC3339),
		MetaOS:         runtime.GOOS + "/" + runtime.GOARCH,
	}
	if h, err := os.Hostname(); err == nil {
		v[MetaMachine] = h
	}
	if u, err := user.Current(); err == nil {
		v[MetaUser] = u.Username
	}
	return &HostInfoProvider{values: v}
}

func (p *HostInfoProvider) InstanceID() string {
	return p.values[MetaInstanceID]
}

func (p *HostInfoProvider) Metadata() map[string]string {
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}
