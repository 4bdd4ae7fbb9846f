package scheduler

import "sort"

// Snapshot returns a point-in-time view of every tracked timer, sorted by
// task id. Intended for the ops endpoint and tests; it is not a
// synchronization primitive.
func (s *Service) Snapshot() []TimerInfo {
	s.mu.Lock()
	out := make([]TimerInfo, 0, len(s.entries))
	for _, e := range s.entries {
		hops := 0
		if e.state == StateChaining {
			// Every full maxDelay segment still owed is one more
			// intermediate fire, plus the hop the current timer ends with.
			hops = 1 + int(e.remaining/s.maxDelay)
			if e.remaining%s.maxDelay == 0 {
				hops--
			}
		}
		out = append(out, TimerInfo{
			TaskID:    e.id,
			State:     e.state,
			Remaining: e.remaining,
			HopsLeft:  hops,
			ArmedAt:   e.armedAt,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Stats returns cumulative counters since process start.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	active := len(s.entries)
	s.mu.Unlock()
	return Stats{
		Active:    active,
		Armed:     s.armed.Load(),
		ChainHops: s.chainHops.Load(),
		Fired:     s.fired.Load(),
		Cancelled: s.cancelled.Load(),
	}
}
