package agentd

import (
	"context"
	"sync"

	"github.com/coderelay/coderelay/pkg/stream"
	"github.com/coderelay/coderelay/pkg/wire"
)

// outboxEntry is one queued frame. Worker stream events are kept in typed
// form until send time so trailing text deltas can be merged.
type outboxEntry struct {
	msg    *wire.Message
	taskID string
	event  *stream.Event
}

func (e *outboxEntry) frame() (*wire.Message, error) {
	if e.msg != nil {
		return e.msg, nil
	}
	return wire.NewNotification(wire.ActionWorkerEvent, wire.WorkerEvent{
		TaskID: e.taskID,
		Event:  e.event,
	})
}

func (e *outboxEntry) isTextDelta() bool {
	return e.event != nil && e.event.Type == stream.EventText
}

// outbox queues frames for the hub link in FIFO order. It survives
// reconnects: workers keep producing while the link is down. When the
// queue passes its soft limit, consecutive text deltas for the same worker
// are coalesced; frames of any other kind are never reordered or dropped.
type outbox struct {
	mu      sync.Mutex
	entries []*outboxEntry
	limit   int
	notify  chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// push queues a prebuilt frame. Never dropped.
func (o *outbox) push(msg *wire.Message) {
	o.mu.Lock()
	o.entries = append(o.entries, &outboxEntry{msg: msg})
	o.mu.Unlock()
	o.signal()
}

// pushEvent queues a worker stream event. Past the soft limit, a text
// delta folds into a trailing text delta for the same worker instead of
// growing the queue.
func (o *outbox) pushEvent(taskID string, ev *stream.Event) {
	entry := &outboxEntry{taskID: taskID, event: ev}

	o.mu.Lock()
	if len(o.entries) >= o.limit && entry.isTextDelta() {
		if last := o.lastLocked(); last != nil && last.isTextDelta() && last.taskID == taskID {
			last.event.Text += ev.Text
			o.mu.Unlock()
			o.signal()
			return
		}
	}
	o.entries = append(o.entries, entry)
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) lastLocked() *outboxEntry {
	if len(o.entries) == 0 {
		return nil
	}
	return o.entries[len(o.entries)-1]
}

// pop blocks until a frame is available or the context ends.
func (o *outbox) pop(ctx context.Context) (*wire.Message, error) {
	for {
		o.mu.Lock()
		if len(o.entries) > 0 {
			entry := o.entries[0]
			o.entries = o.entries[1:]
			o.mu.Unlock()
			return entry.frame()
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.notify:
		}
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}
