package chunkcache

import "chunkstream.ai/internal/space"

// RemoteAuthority owns the authoritative copy of the world. Both calls are
// fire-and-forget: data for a requested chunk comes back later through
// Cache.WriteBack.
type RemoteAuthority interface {
	RequestChunk(chunk space.Region)
	ReleaseChunks(chunks []space.Region)
}

// Consumer is notified about lifecycle transitions. Callbacks run outside the
// cache lock, in the order the transitions happened.
//
// A chunk that went obsolete while its request was in flight is released when
// its data arrives: that WriteBack reports OnChunkEvicted for it, not
// OnChunkWritten, since the data is never readable.
type Consumer interface {
	OnChunkBecamePending(chunk space.Region)
	OnChunkWritten(chunk space.Region)
	OnChunkEvicted(chunk space.Region)
}

type NopConsumer struct{}

func (NopConsumer) OnChunkBecamePending(space.Region) {}
func (NopConsumer) OnChunkWritten(space.Region)       {}
func (NopConsumer) OnChunkEvicted(space.Region)       {}

// Consumers fans every notification out to each member in order.
type Consumers []Consumer

func (cs Consumers) OnChunkBecamePending(c space.Region) {
	for _, x := range cs {
		x.OnChunkBecamePending(c)
	}
}

func (cs Consumers) OnChunkWritten(c space.Region) {
	for _, x := range cs {
		x.OnChunkWritten(c)
	}
}

func (cs Consumers) OnChunkEvicted(c space.Region) {
	for _, x := range cs {
		x.OnChunkEvicted(c)
	}
}
