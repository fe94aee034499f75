package router

import (
	"sync"
	"time"

	"github.com/chatcore-ai/chatcore/pkg/protocol"
)

// Stats tracks routing activity. All methods are safe for concurrent use.
type Stats struct {
	mu            sync.Mutex
	processed     int64
	errors        int64
	byType        map[protocol.MessageType]int64
	lastProcessed time.Time
}

// StatsSnapshot is a point-in-time copy of router stats.
type StatsSnapshot struct {
	Processed     int64                          `json:"messages_processed"`
	Errors        int64                          `json:"errors"`
	ByType        map[protocol.MessageType]int64 `json:"by_type"`
	LastProcessed time.Time                      `json:"last_processed"`
	Handlers      int                            `json:"handlers"`
}

func newStats() *Stats {
	return &Stats{byType: make(map[protocol.MessageType]int64)}
}

func (s *Stats) record(t protocol.MessageType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed++
	s.byType[t]++
	s.lastProcessed = time.Now()
}

func (s *Stats) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

// snapshot deep-copies the counters so callers can't mutate live state.
func (s *Stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	byType := make(map[protocol.MessageType]int64, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	return StatsSnapshot{
		Processed:     s.processed,
		Errors:        s.errors,
		ByType:        byType,
		LastProcessed: s.lastProcessed,
	}
}
