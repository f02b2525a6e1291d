// Package feed delivers price ticks to the engine.
package feed

import (
	"context"
	"sync"

	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/rxtech-lab/argo-harvester/pkg/errors"
)

const tickBufferSize = 256

// Feed streams price ticks for one symbol. The channel closes when ctx ends.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan types.PriceTick, error)
}

// ChannelFeed is a feed driven by Publish. Used in paper mode and tests.
type ChannelFeed struct {
	mu          sync.Mutex
	subscribers []chan types.PriceTick
	closed      bool
}

// NewChannelFeed creates an empty ChannelFeed.
func NewChannelFeed() *ChannelFeed {
	return &ChannelFeed{
		mu:          sync.Mutex{},
		subscribers: make([]chan types.PriceTick, 0),
		closed:      false,
	}
}

// Subscribe registers a subscriber.
func (f *ChannelFeed) Subscribe(ctx context.Context) (<-chan types.PriceTick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, errors.New(errors.ErrCodePriceStreamFailed, "feed is closed")
	}

	ch := make(chan types.PriceTick, tickBufferSize)
	f.subscribers = append(f.subscribers, ch)

	go func() {
		<-ctx.Done()
		f.remove(ch)
	}()

	return ch, nil
}

// Publish delivers tick to every subscriber. A subscriber whose buffer is full misses it;
// the next tick carries the newer price anyway.
func (f *ChannelFeed) Publish(tick types.PriceTick) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subscribers {
		select {
		case ch <- tick:
		default:
		}
	}
}

// Close closes every subscription and rejects new ones.
func (f *ChannelFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.closed = true

	for _, ch := range f.subscribers {
		close(ch)
	}

	f.subscribers = nil
}

func (f *ChannelFeed) remove(target chan types.PriceTick) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, ch := range f.subscribers {
		if ch == target {
			close(ch)
			f.subscribers = append(f.subscribers[:i], f.subscribers[i+1:]...)

			return
		}
	}
}
