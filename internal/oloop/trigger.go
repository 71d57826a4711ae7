package oloop

import (
	"github.com/aargor/openset/internal/async"
	"github.com/aargor/openset/internal/trigger"
)

// TriggerDrain forwards a partition's pending trigger messages to the
// node-level sink. It is marked realtime so trigger follow-ups are never
// starved, and reschedules itself on an interval while the partition
// lives.
type TriggerDrain struct {
	async.OpenLoop

	sink     chan<- trigger.Message
	interval int64 // ms between drains
}

// NewTriggerDrain creates the drain cell for one partition.
func NewTriggerDrain(sink chan<- trigger.Message, intervalMS int64) *TriggerDrain {
	c := &TriggerDrain{sink: sink, interval: intervalMS}
	c.SetRealtime()
	return c
}

// Prepare registers the cell as realtime on its partition.
func (c *TriggerDrain) Prepare() {
	c.Loop().Partition().RealtimeCells.Add(1)
}

// Run drains pending messages and sleeps until the next interval.
func (c *TriggerDrain) Run() {
	parts := c.Loop().Partition()
	for _, m := range parts.Triggers.DrainMessages() {
		select {
		case c.sink <- m:
			triggerMessages.Inc()
		default:
			// a full sink drops the message; dispatch is best-effort
		}
	}
	c.ScheduleAt(nowPlus(c.interval))
}

// PartitionRemoved releases the realtime slot and terminates; trigger
// drains have no shuttle to answer.
func (c *TriggerDrain) PartitionRemoved() {
	c.Loop().Partition().RealtimeCells.Add(-1)
	c.Suicide()
}
