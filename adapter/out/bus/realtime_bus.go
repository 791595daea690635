// Package bus provides FanoutBus implementations: an in-process network for
// tests and single-node deployments, and Redis Pub/Sub for clusters.
package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"realtime_server/core/port/out"

	"github.com/rs/zerolog"
)

var (
	ErrClosed       = out.ErrBusClosed
	ErrDisconnected = errors.New("bus: broker disconnected")
)

// handlerSet is the topic -> handlers table shared by both implementations.
type handlerSet struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]out.BusHandler
	nextID uint64
}

func newHandlerSet() *handlerSet {
	return &handlerSet{topics: make(map[string]map[uint64]out.BusHandler)}
}

// add registers h and reports whether it is the first handler of topic.
func (s *handlerSet) add(topic string, h out.BusHandler) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	hs, ok := s.topics[topic]
	if !ok {
		hs = make(map[uint64]out.BusHandler)
		s.topics[topic] = hs
	}
	hs[s.nextID] = h
	return s.nextID, !ok
}

// remove drops a handler and reports whether topic has none left.
func (s *handlerSet) remove(topic string, id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, ok := s.topics[topic]
	if !ok {
		return false
	}
	delete(hs, id)
	if len(hs) == 0 {
		delete(s.topics, topic)
		return true
	}
	return false
}

func (s *handlerSet) get(topic string) []out.BusHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hs := s.topics[topic]
	list := make([]out.BusHandler, 0, len(hs))
	for _, h := range hs {
		list = append(list, h)
	}
	return list
}

func (s *handlerSet) names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.topics))
	for t := range s.topics {
		names = append(names, t)
	}
	return names
}

// dispatch runs every handler of env.Topic, isolating panics per handler.
func (s *handlerSet) dispatch(ctx context.Context, log zerolog.Logger, env *out.Envelope) {
	for _, h := range s.get(env.Topic) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().
						Interface("panic", r).
						Str("topic", env.Topic).
						Str("origin", env.Origin).
						Msg("bus handler panicked")
				}
			}()
			h(ctx, env)
		}()
	}
}

// topicLocks serializes broker SUBSCRIBE/UNSUBSCRIBE transitions per topic
// without making unrelated topics wait on each other.
type topicLocks struct {
	mu    sync.Mutex
	locks map[string]*topicLock
}

type topicLock struct {
	mu    sync.Mutex
	users int
}

func newTopicLocks() *topicLocks {
	return &topicLocks{locks: make(map[string]*topicLock)}
}

// lock blocks until topic is free and returns its unlock func.
func (l *topicLocks) lock(topic string) func() {
	l.mu.Lock()
	tl, ok := l.locks[topic]
	if !ok {
		tl = &topicLock{}
		l.locks[topic] = tl
	}
	tl.users++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.users--
		if tl.users == 0 {
			delete(l.locks, topic)
		}
		l.mu.Unlock()
	}
}

func (l *topicLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// statusFeed keeps the latest connectivity state for a single reader.
type statusFeed struct {
	ch        chan out.BusStatus
	connected atomic.Bool
	mu        sync.Mutex
}

func newStatusFeed(connected bool) *statusFeed {
	f := &statusFeed{ch: make(chan out.BusStatus, 1)}
	f.connected.Store(connected)
	return f
}

// set records a transition. Repeated states are not re-emitted.
func (f *statusFeed) set(connected bool, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected.Swap(connected) == connected {
		return false
	}
	st := out.BusStatus{Connected: connected, Err: err, At: time.Now()}
	select {
	case f.ch <- st:
	default:
		select {
		case <-f.ch:
		default:
		}
		f.ch <- st
	}
	return true
}
