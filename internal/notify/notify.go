package notify

import (
	"context"
	"sync"
)

// Hint announces that a cluster node appended a journal entry. Receivers
// treat it as a reason to run a sync cycle early; it is never required for
// correctness.
type Hint struct {
	ClusterID int    `json:"cluster_id"`
	Revision  string `json:"revision"`
}

// Notifier publishes and receives hints
type Notifier interface {
	Publish(ctx context.Context, hint Hint) error
	// Subscribe returns a channel of hints that is closed when ctx is done
	Subscribe(ctx context.Context) (<-chan Hint, error)
	Close() error
}

// Nop drops every hint
type Nop struct{}

func (Nop) Publish(ctx context.Context, hint Hint) error {
	return nil
}

func (Nop) Subscribe(ctx context.Context) (<-chan Hint, error) {
	ch := make(chan Hint)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (Nop) Close() error {
	return nil
}

// Local fans hints out to subscribers in the same process
type Local struct {
	mu          sync.Mutex
	subscribers map[chan Hint]struct{}
}

// NewLocal creates an in-process notifier
func NewLocal() *Local {
	return &Local{subscribers: make(map[chan Hint]struct{})}
}

// Publish delivers hint to every subscriber that has room for it
func (l *Local) Publish(ctx context.Context, hint Hint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subscribers {
		select {
		case ch <- hint:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan Hint, error) {
	ch := make(chan Hint, 16)
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subscribers, ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}

func (l *Local) Close() error {
	return nil
}
