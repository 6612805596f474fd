package outbox

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
)

// MemoryStore keeps queued messages in memory, one ordered list per owner.
// Messages do not survive a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	queues map[string]*list.List // owner -> messages in seq order
	index  map[string]*list.Element
	seq    map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: make(map[string]*list.List),
		index:  make(map[string]*list.Element),
		seq:    make(map[string]int64),
	}
}

func (s *MemoryStore) Append(_ context.Context, msg *domain.OutboundMessage) error {
	if msg.Owner == "" {
		return ErrNoOwner
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[msg.ID]; ok {
		return ErrDuplicate
	}
	s.seq[msg.Owner]++
	msg.Seq = s.seq[msg.Owner]

	l, ok := s.queues[msg.Owner]
	if !ok {
		l = list.New()
		s.queues[msg.Owner] = l
	}
	cp := *msg
	s.index[msg.ID] = l.PushBack(&cp)
	return nil
}

func (s *MemoryStore) Pending(_ context.Context, owner string) ([]*domain.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.queues[owner]
	if !ok {
		return nil, nil
	}
	out := make([]*domain.OutboundMessage, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		cp := *e.Value.(*domain.OutboundMessage)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) IncrementAttempts(_ context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return 0, ErrNotFound
	}
	msg := e.Value.(*domain.OutboundMessage)
	msg.Attempts++
	return msg.Attempts, nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.index[id]
	if !ok {
		return nil
	}
	owner := e.Value.(*domain.OutboundMessage).Owner
	l := s.queues[owner]
	l.Remove(e)
	delete(s.index, id)
	if l.Len() == 0 {
		delete(s.queues, owner)
	}
	return nil
}

func (s *MemoryStore) OlderThan(_ context.Context, cutoff time.Time) ([]*domain.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.OutboundMessage
	for _, l := range s.queues {
		for e := l.Front(); e != nil; e = e.Next() {
			msg := e.Value.(*domain.OutboundMessage)
			if msg.CreatedAt.Before(cutoff) {
				cp := *msg
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) Len(_ context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if l, ok := s.queues[owner]; ok {
		return l.Len(), nil
	}
	return 0, nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
