// Package registry is the in-memory service directory of the discovery server.
//
// Every registration upserts a record keyed by (name, host, port). A periodic
// sweep marks records Offline once their registration times out. Within each
// group (service name + scope) at most one eligible record holds the principal
// role; the registry hands it out on registration and revokes it as soon as the
// holder becomes unhealthy, disabled or offline.
//
// One RWMutex guards the record map, the valid index and the election table
// together, so election is consistent across concurrent registrations of the
// same group.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"mini-discovery/api"
	"mini-discovery/metrics"

	"go.uber.org/zap"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultSweepInterval = time.Second
)

type Registry struct {
	mu         sync.RWMutex
	entries    map[string]*entry            // id -> entry
	valid      map[string]map[string]*entry // lower-cased name -> id -> eligible entry
	principals map[string]string            // group key -> id of the principal

	subsMu  sync.Mutex
	subs    map[int]chan ChangeSet
	nextSub int

	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *zap.Logger
	metrics       *metrics.Metrics

	lifeMu  sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

type Option func(*Registry)

// WithTimeout sets how long a registration stays valid without a refresh.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSweepInterval sets the period of the timeout sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries:       make(map[string]*entry),
		valid:         make(map[string]map[string]*entry),
		principals:    make(map[string]string),
		subs:          make(map[int]chan ChangeSet),
		timeout:       DefaultTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("registry")
	return r
}

// Timeout returns the configured registration timeout.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}

// Start launches the periodic sweep. Calling Start on a running registry is a no-op.
func (r *Registry) Start() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go func(stop <-chan struct{}) {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.safeSweep()
			case <-stop:
				return
			}
		}
	}(r.stopCh)
	r.logger.Debug("sweep started", zap.Duration("interval", r.sweepInterval), zap.Duration("timeout", r.timeout))
}

// Close stops the sweep and closes every subscription channel.
func (r *Registry) Close() error {
	r.lifeMu.Lock()
	if r.running {
		close(r.stopCh)
		r.running = false
	}
	r.lifeMu.Unlock()
	r.wg.Wait()

	r.subsMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subsMu.Unlock()
	return nil
}

func (r *Registry) safeSweep() {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("sweep panicked", zap.Any("panic", p))
		}
	}()
	r.Sweep()
}

// Upsert registers or refreshes the instance described by dto.
// A nil or nameless payload is ignored and reported with ok == false.
func (r *Registry) Upsert(dto *api.ServiceDto) (rec Record, ok bool) {
	if dto.Empty() {
		return Record{}, false
	}
	id := RecordID(dto.ServiceName, dto.ServiceHost, dto.ServicePort)

	r.mu.Lock()
	now := r.now()
	e, exists := r.entries[id]
	if exists {
		oldGroup := e.rec.GroupKey()
		e.apply(dto, now, r.timeout)
		if group := e.rec.GroupKey(); group != oldGroup && e.rec.Principal {
			// the role belongs to the old group; compete for the new one like any newcomer
			set(e, &e.rec.Principal, false)
			if r.principals[oldGroup] == id {
				delete(r.principals, oldGroup)
			}
			r.metrics.PrincipalChange()
			r.logger.Info("principal revoked on scope change",
				zap.String("from", oldGroup), zap.String("to", group), zap.String("id", id))
		}
	} else {
		e = &entry{
			rec: Record{
				ID:        id,
				Enabled:   true,
				StartTime: now,
			},
			dirty: true,
		}
		e.apply(dto, now, r.timeout)
		r.entries[id] = e
	}
	r.evaluate(e, true)
	rec = e.rec.clone()
	cs, changed := r.collectDirty(now)
	counts := r.countsLocked()
	r.mu.Unlock()

	r.metrics.Registration(!exists)
	r.metrics.Records(counts)
	if changed {
		r.publish(cs)
	}
	if !exists {
		r.logger.Info("service registered",
			zap.String("id", id),
			zap.String("scope", rec.Scope),
			zap.Stringer("health", rec.HealthState),
			zap.Bool("principal", rec.Principal))
	}
	return rec, true
}

// Find returns the eligible records of a service. The name is matched
// case-insensitively; a non-empty scope keeps only records whose scope contains
// it, also case-insensitively.
func (r *Registry) Find(name, scope string) []Record {
	r.metrics.Find()

	r.mu.RLock()
	set := r.valid[strings.ToLower(name)]
	out := make([]Record, 0, len(set))
	needle := strings.ToLower(scope)
	for _, e := range set {
		if needle != "" && !strings.Contains(strings.ToLower(e.rec.Scope), needle) {
			continue
		}
		out = append(out, e.rec.clone())
	}
	r.mu.RUnlock()

	sortRecords(out)
	return out
}

// Sweep marks timed out records Offline and revokes principals that are no
// longer eligible. It never promotes a new principal; that happens on the next
// registration of the group.
func (r *Registry) Sweep() {
	r.mu.Lock()
	now := r.now()
	timedOut := 0
	for _, e := range r.entries {
		if e.rec.HealthState == api.Offline {
			continue
		}
		if now.After(e.rec.TimeoutTime) {
			set(e, &e.rec.HealthState, api.Offline)
			timedOut++
			r.logger.Info("service timed out", zap.String("id", e.rec.ID), zap.Time("deadline", e.rec.TimeoutTime))
		}
	}
	for _, e := range r.entries {
		r.evaluate(e, false)
	}
	cs, changed := r.collectDirty(now)
	counts := r.countsLocked()
	r.mu.Unlock()

	r.metrics.Sweep(timedOut)
	r.metrics.Records(counts)
	if changed {
		r.publish(cs)
	}
}

// Records returns every record, Offline ones included, sorted by id.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.rec.clone())
	}
	r.mu.RUnlock()
	sortRecords(out)
	return out
}

func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// SetEnabled flips the administrative switch of a record. Disabling revokes the
// principal role immediately; enabling makes the record eligible for it again.
func (r *Registry) SetEnabled(id string, enabled bool) (Record, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return Record{}, false
	}
	set(e, &e.rec.Enabled, enabled)
	r.evaluate(e, true)
	rec := e.rec.clone()
	cs, changed := r.collectDirty(r.now())
	r.mu.Unlock()

	if changed {
		r.publish(cs)
	}
	r.logger.Info("service enabled flag changed", zap.String("id", id), zap.Bool("enabled", enabled))
	return rec, true
}

// ClearOffline deletes every Offline record and returns how many were removed.
func (r *Registry) ClearOffline() int {
	r.mu.Lock()
	now := r.now()
	var removed []string
	for id, e := range r.entries {
		if e.rec.HealthState != api.Offline {
			continue
		}
		r.unindex(e)
		if r.principals[e.rec.GroupKey()] == id {
			delete(r.principals, e.rec.GroupKey())
		}
		delete(r.entries, id)
		removed = append(removed, id)
	}
	counts := r.countsLocked()
	r.mu.Unlock()

	r.metrics.Records(counts)
	if len(removed) > 0 {
		sort.Strings(removed)
		r.publish(ChangeSet{IDs: removed, Removed: true, At: now})
		r.logger.Info("offline records cleared", zap.Int("count", len(removed)))
	}
	return len(removed)
}

// evaluate applies the election rules to one entry and keeps the valid index in
// step with it. Callers hold r.mu for writing.
func (r *Registry) evaluate(e *entry, allowNewAssignment bool) {
	group := e.rec.GroupKey()
	eligible := e.rec.Eligible()

	if e.rec.Principal && !eligible {
		set(e, &e.rec.Principal, false)
		if r.principals[group] == e.rec.ID {
			delete(r.principals, group)
		}
		r.metrics.PrincipalChange()
		r.logger.Info("principal revoked", zap.String("group", group), zap.String("id", e.rec.ID))
	} else if eligible && allowNewAssignment && !e.rec.Principal {
		if _, taken := r.principals[group]; !taken {
			set(e, &e.rec.Principal, true)
			r.principals[group] = e.rec.ID
			r.metrics.PrincipalChange()
			r.logger.Info("principal assigned", zap.String("group", group), zap.String("id", e.rec.ID))
		}
	}

	if eligible {
		r.index(e)
	} else {
		r.unindex(e)
	}
}

func (r *Registry) index(e *entry) {
	key := e.nameKey()
	set, ok := r.valid[key]
	if !ok {
		set = make(map[string]*entry)
		r.valid[key] = set
	}
	set[e.rec.ID] = e
}

func (r *Registry) unindex(e *entry) {
	key := e.nameKey()
	set, ok := r.valid[key]
	if !ok {
		return
	}
	delete(set, e.rec.ID)
	if len(set) == 0 {
		delete(r.valid, key)
	}
}

// collectDirty gathers and clears the dirty flags. Callers hold r.mu.
func (r *Registry) collectDirty(now time.Time) (ChangeSet, bool) {
	var ids []string
	for id, e := range r.entries {
		if e.dirty {
			ids = append(ids, id)
			e.dirty = false
		}
	}
	if len(ids) == 0 {
		return ChangeSet{}, false
	}
	sort.Strings(ids)
	return ChangeSet{IDs: ids, At: now}, true
}

func (r *Registry) countsLocked() map[api.HealthState]int {
	counts := make(map[api.HealthState]int, 3)
	for _, e := range r.entries {
		counts[e.rec.HealthState]++
	}
	return counts
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
