package app

import (
	"time"

	"ratingbot/internal/poller"
	"ratingbot/internal/runtime/supervisor"
)

// Status is the document served on the ops /status endpoint.
type Status struct {
	Started       time.Time              `json:"started"`
	Uptime        string                 `json:"uptime"`
	Schedule      string                 `json:"schedule"`
	Breaker       string                 `json:"source_breaker"`
	Chats         int                    `json:"chats"`
	Subscriptions int                    `json:"subscriptions"`
	CacheEntries  int                    `json:"cache_entries"`
	BusDropped    uint64                 `json:"bus_dropped"`
	LastTick      *poller.TickReport     `json:"last_tick,omitempty"`
	Subjects      []poller.SubjectState  `json:"subjects"`
	Loops         []supervisor.LoopStats `json:"loops,omitempty"`
}

func (a *App) Status() Status {
	st := Status{
		Started:      a.started,
		Schedule:     a.poller.Schedule().String(),
		Breaker:      a.source.BreakerState(),
		CacheEntries: a.cache.Len(),
		BusDropped:   a.bus.Dropped(),
		Subjects:     a.poller.States(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started).Round(time.Second).String()
	}
	st.Chats, st.Subscriptions = a.subs.Counts()
	if rep, ok := a.poller.LastReport(); ok {
		st.LastTick = &rep
	}
	if a.sup != nil {
		st.Loops = a.sup.Loops()
	}
	return st
}
