package feed

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process queue. It does not survive restarts; updates that
// were handed to a subscriber are not redelivered.
type Memory struct {
	mu     sync.Mutex
	queue  []Update
	limit  int
	signal chan struct{}
}

// NewMemory creates a queue holding at most limit pending updates (0 = unbounded).
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit, signal: make(chan struct{}, 1)}
}

// Publish enqueues a delivery and returns its generated id.
func (m *Memory) Publish(ctx context.Context, payload, renewal []byte) (string, error) {
	id := uuid.NewString()
	if err := m.Push(Update{ID: id, Payload: payload, RenewalPayload: renewal}); err != nil {
		return "", err
	}
	return id, nil
}

// Push enqueues a prepared update.
func (m *Memory) Push(u Update) error {
	if u.Ack == nil {
		u.Ack = noAck
	}
	m.mu.Lock()
	if m.limit > 0 && len(m.queue) >= m.limit {
		m.mu.Unlock()
		return ErrFull
	}
	m.queue = append(m.queue, u)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len reports the number of pending updates.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Subscribe streams queued updates in order until ctx is cancelled.
func (m *Memory) Subscribe(ctx context.Context) (<-chan Update, error) {
	out := make(chan Update)
	go func() {
		defer close(out)
		for {
			u, ok := m.pop()
			if !ok {
				select {
				case <-ctx.Done():
					return
				case <-m.signal:
					continue
				}
			}
			select {
			case out <- u:
			case <-ctx.Done():
				m.pushFront(u)
				return
			}
		}
	}()
	return out, nil
}

func (m *Memory) pop() (Update, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Update{}, false
	}
	u := m.queue[0]
	m.queue = m.queue[1:]
	return u, true
}

func (m *Memory) pushFront(u Update) {
	m.mu.Lock()
	m.queue = append([]Update{u}, m.queue...)
	m.mu.Unlock()
}
