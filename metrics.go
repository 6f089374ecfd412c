package linkmqtt

import "sync/atomic"

// Metrics tracks operational statistics for one bridge. It implements the
// core's Observer interface; all methods are safe from any goroutine.
type Metrics struct {
	// command queue
	CommandsEnqueued  atomic.Uint64
	CommandsCompleted atomic.Uint64
	CommandsFailed    atomic.Uint64
	CommandTimeouts   atomic.Uint64

	// dispatcher
	URCsKnown   atomic.Uint64
	URCsUnknown atomic.Uint64

	// publisher
	PublishesSent       atomic.Uint64
	PublishesSuppressed atomic.Uint64

	// ingress and transport
	IngressMessages atomic.Uint64
	WriteRetries    atomic.Uint64
}

// NewMetrics creates a zeroed metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ObserveCommand(queued bool) {
	if queued {
		m.CommandsEnqueued.Add(1)
	}
}

func (m *Metrics) ObserveCompletion(ok bool) {
	if ok {
		m.CommandsCompleted.Add(1)
	} else {
		m.CommandsFailed.Add(1)
	}
}

func (m *Metrics) ObserveTimeout() {
	m.CommandTimeouts.Add(1)
}

func (m *Metrics) ObserveURC(known bool) {
	if known {
		m.URCsKnown.Add(1)
	} else {
		m.URCsUnknown.Add(1)
	}
}

func (m *Metrics) ObservePublish(sent bool) {
	if sent {
		m.PublishesSent.Add(1)
	} else {
		m.PublishesSuppressed.Add(1)
	}
}

func (m *Metrics) ObserveIngress() {
	m.IngressMessages.Add(1)
}

func (m *Metrics) ObserveWriteRetry() {
	m.WriteRetries.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	CommandsEnqueued    uint64
	CommandsCompleted   uint64
	CommandsFailed      uint64
	CommandTimeouts     uint64
	URCsKnown           uint64
	URCsUnknown         uint64
	PublishesSent       uint64
	PublishesSuppressed uint64
	IngressMessages     uint64
	WriteRetries        uint64
}

// Snapshot returns a consistent-enough copy for logging and tests.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CommandsEnqueued:    m.CommandsEnqueued.Load(),
		CommandsCompleted:   m.CommandsCompleted.Load(),
		CommandsFailed:      m.CommandsFailed.Load(),
		CommandTimeouts:     m.CommandTimeouts.Load(),
		URCsKnown:           m.URCsKnown.Load(),
		URCsUnknown:         m.URCsUnknown.Load(),
		PublishesSent:       m.PublishesSent.Load(),
		PublishesSuppressed: m.PublishesSuppressed.Load(),
		IngressMessages:     m.IngressMessages.Load(),
		WriteRetries:        m.WriteRetries.Load(),
	}
}
