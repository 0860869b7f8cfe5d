// Package rate provides a bounded-memory per-key sliding-window RPS
// estimator, used to throttle the violation-report endpoint per client IP.
package rate

import (
	"container/list"
	"sync"
	"time"
)

// SlidingRPS estimates requests-per-second per key over a short window.
// Memory is bounded: least-recently-used keys are evicted at capacity.
type SlidingRPS struct {
	mu      sync.Mutex
	window  int // seconds
	cap     int // max keys retained
	items   map[string]*list.Element
	lru     *list.List   // front = most recently used
	nowFunc func() int64 // for tests; defaults to time.Now().Unix()
}

type entry struct {
	key      string
	startSec int64 // first second seen, for span calculation
	lastSec  int64 // last updated second
	buckets  []uint16
}

// NewSlidingRPS creates an estimator over a window of the given seconds,
// retaining at most 10k keys.
func NewSlidingRPS(window int) *SlidingRPS {
	return NewSlidingRPSWithCapacity(window, 10000)
}

func NewSlidingRPSWithCapacity(window, capacity int) *SlidingRPS {
	if window <= 0 {
		window = 10
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &SlidingRPS{
		window:  window,
		cap:     capacity,
		items:   make(map[string]*list.Element, capacity/2),
		lru:     list.New(),
		nowFunc: func() int64 { return time.Now().Unix() },
	}
}

// Add records an event for key and returns the estimated RPS across the
// recent window. O(window) per call.
func (s *SlidingRPS) Add(key string) float64 {
	now := s.nowFunc()
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		en := el.Value.(*entry)
		s.advance(en, now)
		if en.buckets[s.window-1] < 65535 {
			en.buckets[s.window-1]++
		}
		s.lru.MoveToFront(el)
		return s.estimate(en, now)
	}

	if s.lru.Len() >= s.cap {
		back := s.lru.Back()
		if back != nil {
			del := back.Value.(*entry)
			delete(s.items, del.key)
			s.lru.Remove(back)
		}
	}
	en := &entry{
		key:      key,
		startSec: now,
		lastSec:  now,
		buckets:  make([]uint16, s.window),
	}
	en.buckets[s.window-1] = 1
	el := s.lru.PushFront(en)
	s.items[key] = el
	return s.estimate(en, now)
}

// advance shifts the per-second buckets forward to catch up with now.
func (s *SlidingRPS) advance(en *entry, now int64) {
	if now <= en.lastSec {
		return
	}
	diff := now - en.lastSec
	if diff >= int64(s.window) {
		for i := range en.buckets {
			en.buckets[i] = 0
		}
		en.startSec = now
		en.lastSec = now
		return
	}
	shift := int(diff)
	copy(en.buckets, en.buckets[shift:])
	for i := s.window - shift; i < s.window; i++ {
		en.buckets[i] = 0
	}
	en.lastSec = now
}

func (s *SlidingRPS) estimate(en *entry, now int64) float64 {
	sum := 0
	for i := 0; i < s.window; i++ {
		sum += int(en.buckets[i])
	}
	span := int(now - en.startSec + 1)
	if span < 1 {
		span = 1
	}
	if span > s.window {
		span = s.window
	}
	return float64(sum) / float64(span)
}
