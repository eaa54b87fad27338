// Package memory is an in-process DrawingCache for single-instance
// deployments. Pub/sub only reaches subscribers of the same process.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zlnvch/drawcast/cache"
	"github.com/zlnvch/drawcast/models"
)

const subscriberBuffer = 256

type subscriber struct {
	messages chan []byte
}

type sessionSteps struct {
	steps    map[string]cache.StepCacheItem
	complete bool
}

type presenceEntry struct {
	member models.Member
	count  int
}

type MemoryDrawingCache struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	locks       map[string]chan struct{}
	sessions    map[string]*sessionSteps
	presence    map[string]map[string]*presenceEntry
}

func NewMemoryDrawingCache() *MemoryDrawingCache {
	return &MemoryDrawingCache{
		subscribers: make(map[string]map[*subscriber]struct{}),
		locks:       make(map[string]chan struct{}),
		sessions:    make(map[string]*sessionSteps),
		presence:    make(map[string]map[string]*presenceEntry),
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the message.
func (c *MemoryDrawingCache) Publish(ctx context.Context, channel string, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range c.subscribers[channel] {
		select {
		case sub.messages <- message:
		default:
		}
	}
	return nil
}

func (c *MemoryDrawingCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	sub := &subscriber{messages: make(chan []byte, subscriberBuffer)}

	c.mu.Lock()
	if c.subscribers[channel] == nil {
		c.subscribers[channel] = make(map[*subscriber]struct{})
	}
	c.subscribers[channel][sub] = struct{}{}
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.subscribers[channel], sub)
			if len(c.subscribers[channel]) == 0 {
				delete(c.subscribers, channel)
			}
			c.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub.messages:
				handler(msg)
			}
		}
	}()

	return nil
}

// AcquireSessionLock waits up to ttl for the session lock. Unlike the Redis
// lock, a held lock does not expire.
func (c *MemoryDrawingCache) AcquireSessionLock(ctx context.Context, sessionId string, ttl time.Duration) (func(), error) {
	c.mu.Lock()
	lock, ok := c.locks[sessionId]
	if !ok {
		lock = make(chan struct{}, 1)
		c.locks[sessionId] = lock
	}
	c.mu.Unlock()

	timer := time.NewTimer(ttl)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, cache.ErrLockNotAcquired
	}

	var once sync.Once
	return func() {
		once.Do(func() { <-lock })
	}, nil
}

func (c *MemoryDrawingCache) session(sessionId string) *sessionSteps {
	s, ok := c.sessions[sessionId]
	if !ok {
		s = &sessionSteps{steps: make(map[string]cache.StepCacheItem)}
		c.sessions[sessionId] = s
	}
	return s
}

func (c *MemoryDrawingCache) AddStep(ctx context.Context, sessionId string, stepId string, step int, stepData []byte) error {
	return c.AddStepsBatch(ctx, sessionId, []cache.StepCacheItem{{StepId: stepId, Step: step, Data: stepData}})
}

func (c *MemoryDrawingCache) AddStepsBatch(ctx context.Context, sessionId string, steps []cache.StepCacheItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session(sessionId)
	for _, item := range steps {
		item.Data = append([]byte(nil), item.Data...)
		s.steps[item.StepId] = item
	}
	return nil
}

func (c *MemoryDrawingCache) RemoveStep(ctx context.Context, sessionId string, stepId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[sessionId]; ok {
		delete(s.steps, stepId)
	}
	return nil
}

func (c *MemoryDrawingCache) GetSteps(ctx context.Context, sessionId string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionId]
	if !ok {
		return [][]byte{}, nil
	}

	items := make([]cache.StepCacheItem, 0, len(s.steps))
	for _, item := range s.steps {
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Step < items[j].Step })

	steps := make([][]byte, len(items))
	for i, item := range items {
		steps[i] = item.Data
	}
	return steps, nil
}

func (c *MemoryDrawingCache) SetSessionComplete(ctx context.Context, sessionId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session(sessionId).complete = true
	return nil
}

func (c *MemoryDrawingCache) IsSessionComplete(ctx context.Context, sessionId string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionId]
	return ok && s.complete, nil
}

func (c *MemoryDrawingCache) InvalidateSessions(ctx context.Context, sessionIds []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sessionId := range sessionIds {
		delete(c.sessions, sessionId)
	}
	return nil
}

func (c *MemoryDrawingCache) JoinPresence(ctx context.Context, sessionId string, member models.Member) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members, ok := c.presence[sessionId]
	if !ok {
		members = make(map[string]*presenceEntry)
		c.presence[sessionId] = members
	}

	entry, ok := members[member.Id]
	if !ok {
		entry = &presenceEntry{}
		members[member.Id] = entry
	}
	entry.member = member
	entry.count++

	return entry.count == 1, nil
}

func (c *MemoryDrawingCache) LeavePresence(ctx context.Context, sessionId string, memberId string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.presence[sessionId][memberId]
	if !ok {
		return false, nil
	}

	entry.count--
	if entry.count > 0 {
		return false, nil
	}

	delete(c.presence[sessionId], memberId)
	if len(c.presence[sessionId]) == 0 {
		delete(c.presence, sessionId)
	}
	return true, nil
}

func (c *MemoryDrawingCache) GetPresence(ctx context.Context, sessionId string) ([]models.Member, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	members := make([]models.Member, 0, len(c.presence[sessionId]))
	for _, entry := range c.presence[sessionId] {
		members = append(members, entry.member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Id < members[j].Id })

	return members, nil
}
