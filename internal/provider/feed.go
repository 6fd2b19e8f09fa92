package provider

import (
	"context"
	"sync"

	"github.com/tbourn/go-account-warden/internal/domain"
)

// Feed is a channel-backed Subscription shared by adapters and fakes.
type Feed struct {
	ch   chan domain.IncomingEvent
	done chan struct{}

	mu   sync.Mutex
	err  error
	once sync.Once
}

// NewFeed returns an open Feed with the given event buffer.
func NewFeed(buffer int) *Feed {
	return &Feed{
		ch:   make(chan domain.IncomingEvent, buffer),
		done: make(chan struct{}),
	}
}

// Publish delivers ev unless the feed ended or ctx is done. It reports
// whether the event was handed over.
func (f *Feed) Publish(ctx context.Context, ev domain.IncomingEvent) bool {
	select {
	case <-f.done:
		return false
	default:
	}
	select {
	case f.ch <- ev:
		return true
	case <-f.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Events implements Subscription.
func (f *Feed) Events() <-chan domain.IncomingEvent { return f.ch }

// Done implements Subscription.
func (f *Feed) Done() <-chan struct{} { return f.done }

// Err implements Subscription.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Close implements Subscription.
func (f *Feed) Close() { f.end(nil) }

// Fail ends the feed with err, signalling an unexpected loss.
func (f *Feed) Fail(err error) { f.end(err) }

// Closed reports whether the feed has ended.
func (f *Feed) Closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Feed) end(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}
