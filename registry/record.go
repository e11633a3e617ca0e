package registry

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"mini-discovery/api"
)

// Record is a snapshot of one registered service instance.
// Values returned by the Registry are copies; mutating them has no effect on the registry.
type Record struct {
	ID              string
	ServiceName     string
	Address         string
	Port            int32
	Scope           string
	Metadata        map[string]string
	HealthState     api.HealthState
	Enabled         bool
	StartTime       time.Time
	LastRefreshTime time.Time
	TimeoutTime     time.Time
	Principal       bool
}

// RecordID identifies an instance by name, host and port. Two registrations with
// the same triple are the same record.
func RecordID(name, host string, port int32) string {
	return fmt.Sprintf("(%s-%s-%d)", name, host, port)
}

// GroupKey is the unit of principal election.
func GroupKey(name, scope string) string {
	return name + "_" + scope
}

func (r Record) GroupKey() string {
	return GroupKey(r.ServiceName, r.Scope)
}

// Eligible reports whether the record may be discovered and hold the principal role.
func (r Record) Eligible() bool {
	return r.Enabled && r.HealthState == api.Healthy
}

func (r Record) ToDto() api.ServiceDto {
	return api.ServiceDto{
		ServiceName: r.ServiceName,
		ServiceHost: r.Address,
		ServicePort: r.Port,
		HealthState: r.HealthState,
		Scope:       r.Scope,
		Metadata:    maps.Clone(r.Metadata),
		Principal:   r.Principal,
	}
}

func (r Record) String() string {
	return fmt.Sprintf("[%s, Enabled=%t, Principal=%t]", r.ID, r.Enabled, r.Principal)
}

func (r Record) clone() Record {
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// entry is the mutable registry-side record. All writes go through the setters
// below so that any real change raises the dirty flag.
type entry struct {
	rec   Record
	dirty bool
}

func set[T comparable](e *entry, field *T, v T) {
	if *field == v {
		return
	}
	*field = v
	e.dirty = true
}

func (e *entry) setTime(field *time.Time, v time.Time) {
	if field.Equal(v) {
		return
	}
	*field = v
	e.dirty = true
}

// setMetadata replaces the metadata when its content differs.
func (e *entry) setMetadata(m map[string]string) {
	if maps.Equal(e.rec.Metadata, m) {
		if e.rec.Metadata == nil {
			e.rec.Metadata = map[string]string{}
		}
		return
	}
	e.rec.Metadata = maps.Clone(m)
	if e.rec.Metadata == nil {
		e.rec.Metadata = map[string]string{}
	}
	e.dirty = true
}

// apply copies the mutable fields of a registration into the entry.
func (e *entry) apply(dto *api.ServiceDto, now time.Time, timeout time.Duration) {
	set(e, &e.rec.ServiceName, dto.ServiceName)
	set(e, &e.rec.Address, dto.ServiceHost)
	set(e, &e.rec.Port, dto.ServicePort)
	set(e, &e.rec.HealthState, dto.HealthState)
	set(e, &e.rec.Scope, dto.Scope)
	e.setMetadata(dto.Metadata)
	e.setTime(&e.rec.LastRefreshTime, now)
	e.setTime(&e.rec.TimeoutTime, now.Add(timeout))
}

func (e *entry) nameKey() string {
	return strings.ToLower(e.rec.ServiceName)
}
