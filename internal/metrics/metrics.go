package metrics

import "sync/atomic"

// Counters tracks delivery activity for the lifetime of the process.
type Counters struct {
	dispatched   atomic.Int64
	attempts     atomic.Int64
	delivered    atomic.Int64
	retried      atomic.Int64
	failed       atomic.Int64
	unregistered atomic.Int64
	suppressed   atomic.Int64
	consumed     atomic.Int64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Dispatched   int64 `json:"dispatched"`
	Attempts     int64 `json:"attempts"`
	Delivered    int64 `json:"delivered"`
	Retried      int64 `json:"retried"`
	Failed       int64 `json:"failed"`
	Unregistered int64 `json:"unregistered"`
	Suppressed   int64 `json:"suppressed"`
	Consumed     int64 `json:"consumed"`
}

func New() *Counters {
	return &Counters{}
}

func (c *Counters) IncDispatched()   { c.dispatched.Add(1) }
func (c *Counters) IncAttempts()     { c.attempts.Add(1) }
func (c *Counters) IncDelivered()    { c.delivered.Add(1) }
func (c *Counters) IncRetried()      { c.retried.Add(1) }
func (c *Counters) IncFailed()       { c.failed.Add(1) }
func (c *Counters) IncUnregistered() { c.unregistered.Add(1) }
func (c *Counters) IncSuppressed()   { c.suppressed.Add(1) }
func (c *Counters) IncConsumed()     { c.consumed.Add(1) }

// Snapshot reads every counter.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Dispatched:   c.dispatched.Load(),
		Attempts:     c.attempts.Load(),
		Delivered:    c.delivered.Load(),
		Retried:      c.retried.Load(),
		Failed:       c.failed.Load(),
		Unregistered: c.unregistered.Load(),
		Suppressed:   c.suppressed.Load(),
		Consumed:     c.consumed.Load(),
	}
}
