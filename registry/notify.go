package registry

import (
	"time"

	"go.uber.org/zap"
)

// ChangeSet lists the records touched by one registry operation.
// Removed is set when the ids were deleted by ClearOffline.
type ChangeSet struct {
	IDs     []string
	Removed bool
	At      time.Time
}

// Subscribe returns a channel that receives a ChangeSet after every operation
// that altered at least one record, and a function that cancels the
// subscription. Delivery never blocks the registry: when the buffer is full the
// change set is dropped for that subscriber.
func (r *Registry) Subscribe(buffer int) (<-chan ChangeSet, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan ChangeSet, buffer)

	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subsMu.Unlock()

	cancel := func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (r *Registry) publish(cs ChangeSet) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for id, ch := range r.subs {
		select {
		case ch <- cs:
		default:
			r.logger.Warn("subscriber too slow, change dropped", zap.Int("subscriber", id), zap.Strings("ids", cs.IDs))
		}
	}
}
