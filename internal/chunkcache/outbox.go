package chunkcache

import "chunkstream.ai/internal/space"

type eventKind int

const (
	evPending eventKind = iota + 1
	evRelease
	evEvicted
	evRequest
	evWritten
)

type event struct {
	kind   eventKind
	chunks []space.Region
}

// outbox collects the side effects of one locked operation.
type outbox struct {
	pending  []space.Region
	release  []space.Region
	requests []space.Region
	written  []space.Region
}

func (o *outbox) events() []event {
	var out []event
	for _, c := range o.pending {
		out = append(out, event{kind: evPending, chunks: []space.Region{c}})
	}
	if len(o.release) > 0 {
		out = append(out, event{kind: evRelease, chunks: o.release})
		for _, c := range o.release {
			out = append(out, event{kind: evEvicted, chunks: []space.Region{c}})
		}
	}
	for _, c := range o.requests {
		out = append(out, event{kind: evRequest, chunks: []space.Region{c}})
	}
	for _, c := range o.written {
		out = append(out, event{kind: evWritten, chunks: []space.Region{c}})
	}
	return out
}

// enqueueLocked appends the outbox to the cache queue and reports whether the
// caller became the flusher. c.mu must be held.
func (c *Cache) enqueueLocked(ob *outbox) bool {
	c.queue = append(c.queue, ob.events()...)
	if len(c.queue) == 0 || c.flushing {
		return false
	}
	c.flushing = true
	return true
}

// flush delivers queued events with no lock held. Only one goroutine flushes
// at a time; callbacks that re-enter the cache append to the queue and the
// active flusher drains them.
func (c *Cache) flush() {
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		if len(batch) == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for _, ev := range batch {
			c.deliver(ev)
		}
	}
}

func (c *Cache) deliver(ev event) {
	switch ev.kind {
	case evPending:
		c.consumer.OnChunkBecamePending(ev.chunks[0])
	case evRelease:
		c.remote.ReleaseChunks(ev.chunks)
	case evEvicted:
		c.consumer.OnChunkEvicted(ev.chunks[0])
	case evRequest:
		c.remote.RequestChunk(ev.chunks[0])
	case evWritten:
		c.consumer.OnChunkWritten(ev.chunks[0])
	}
}
