package pipeline

// QueueStats describes one inter-stage queue. Queues are named after the
// stage that consumes them.
type QueueStats struct {
	Name  string `json:"name"`
	Len   int    `json:"len"`
	Cap   int    `json:"cap"`
	Drops uint64 `json:"drops"`
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	State        State  `json:"state"`
	Captured     uint64 `json:"captured"`
	Presented    uint64 `json:"presented"`
	Late         uint64 `json:"late"`
	SwapFailures uint64 `json:"swap_failures"`
	// Dropped is the sum of Drops over all queues.
	Dropped uint64 `json:"dropped"`
	// Discarded counts frames thrown away when the run ended early.
	Discarded uint64       `json:"discarded"`
	Queues    []QueueStats `json:"queues"`
	Timing    Timing       `json:"timing"`
}

// Stats returns a snapshot. It is safe to call at any time.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		State:        p.State(),
		Captured:     p.captured.Load(),
		Presented:    p.presented.Load(),
		Late:         p.late.Load(),
		SwapFailures: p.swapFailures.Load(),
		Discarded:    p.discarded.Load(),
		Queues: []QueueStats{
			queueStats(p.toLocate),
			queueStats(p.toSwap),
			queueStats(p.toComposite),
			queueStats(p.toPresent),
		},
	}
	for _, q := range s.Queues {
		s.Dropped += q.Drops
	}
	p.timingMu.Lock()
	s.Timing = p.timing
	p.timingMu.Unlock()
	return s
}

func queueStats[T any](q *Queue[T]) QueueStats {
	return QueueStats{Name: q.Name(), Len: q.Len(), Cap: q.Cap(), Drops: q.Drops()}
}
