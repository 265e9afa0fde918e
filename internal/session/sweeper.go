// ABOUTME: Background ticker that sweeps the session table and hands evictions off.
// ABOUTME: Stopped with Close, which is safe to call more than once.

package session

import (
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically calls Table.Sweep and passes the removed sessions to evict.
type Sweeper struct {
	table    *Table
	interval time.Duration
	evict    func([]*Session)
	now      func() time.Time
	logger   *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSweeper starts sweeping table every interval.
func NewSweeper(table *Table, interval time.Duration, evict func([]*Session), logger *slog.Logger) *Sweeper {
	s := &Sweeper{
		table:    table,
		interval: interval,
		evict:    evict,
		now:      time.Now,
		logger:   logger.With("component", "sweeper"),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepNow()
		case <-s.done:
			return
		}
	}
}

// SweepNow runs one sweep synchronously.
func (s *Sweeper) SweepNow() {
	removed := s.table.Sweep(s.now())
	if len(removed) == 0 {
		return
	}
	s.logger.Debug("swept sessions", "count", len(removed), "remaining", s.table.Len())
	s.evict(removed)
}

// Close stops the background goroutine and waits for it to exit.
func (s *Sweeper) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
