package service

import (
	"context"
	"time"
)

// flushLoop pushes the accumulated status snapshots to the sink on a fixed
// interval until the service stops. A final flush runs on shutdown so the
// last window's counters are not lost.
func (s *MapperService) flushLoop(interval time.Duration) {
	defer s.wg.Done()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushStatus()
		case <-s.done:
			s.flushStatus()
			return
		}
	}
}

// flushStatus publishes one snapshot per registered tenant. Sink failures
// are logged and retried on the next tick; the counters keep accumulating.
func (s *MapperService) flushStatus() {
	s.mu.Lock()
	tenants := make([]string, 0, len(s.tenants))
	for tenant := range s.tenants {
		tenants = append(tenants, tenant)
	}
	s.mu.Unlock()

	for _, tenant := range tenants {
		statuses := s.tracker.StatusSnapshot(tenant)
		if len(statuses) == 0 {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.sink.PublishMappingStatus(ctx, tenant, statuses)
		cancel()
		if err != nil {
			s.logger.Warn("status flush failed", "tenant", tenant, "error", err)
		}
	}
}
