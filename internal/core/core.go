// Package core implements the protocol-agnostic half of a bridge: the
// command queue discipline, the URC/response dispatcher and the event loop
// that serializes transport records, MQTT ingress and timers onto a single
// goroutine. The AT and supplicant bridges plug in via a Profile and
// handler registrations.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/modemlink/linkmqtt/internal/interfaces"
	"github.com/modemlink/linkmqtt/internal/parse"
	"github.com/modemlink/linkmqtt/internal/sched"
	"github.com/modemlink/linkmqtt/internal/transport"
)

// State tracks the bridge lifecycle.
type State int

const (
	StateInit State = iota
	StateConnected
	StateRunning
	StateLost
	StateDraining
	StateDone
)

const (
	// timeoutBudget is how many consecutive command timeouts we absorb
	// before declaring the transport dead.
	timeoutBudget = 5

	keepaliveInterval = 5 * time.Second
	writeRetryDelay   = time.Second

	tagKeepalive  = "keepalive"
	tagCmdTimeout = "cmd-timeout"
	tagWriteRetry = "write-retry"

	maxBodyLines = parse.MaxFields
)

var (
	// ErrTransportLost reports a dead peer: the timeout budget ran out,
	// a write wedged, or the read side saw EOF. The bridge still drains
	// its retained topics on the way out. The loss reason wraps the
	// underlying cause so callers can tell the cases apart.
	ErrTransportLost = errors.New("core: transport lost")
	// ErrTimeoutBudget marks a loss caused by consecutive command
	// timeouts.
	ErrTimeoutBudget = errors.New("core: consecutive command timeouts exhausted")
)

// Profile is the per-protocol configuration of the dispatcher.
type Profile struct {
	// IsURC classifies a record as unsolicited.
	IsURC func(rec string) bool
	// Terminator extracts a status token ("OK", "ERROR", "FAIL", ...)
	// from a record that ends the in-flight response.
	Terminator func(rec string) (string, bool)
	// Datagram marks the supplicant framing: every non-URC datagram is a
	// complete response to the head command.
	Datagram bool
	// StripURC normalizes an unsolicited record before handler matching
	// (drops the supplicant's "<N>" syslog-level sigil). Optional.
	StripURC func(rec string) string
	// EchoSuppress swallows a body record equal to the in-flight command
	// (modems echo the command line unless told otherwise).
	EchoSuppress bool
	// KeepaliveCmd is the no-op enqueued when the link has been idle.
	KeepaliveCmd string
	// DefaultTimeout bounds a command's wait for its terminator.
	DefaultTimeout time.Duration
	// TimeoutFor overrides DefaultTimeout per command; zero means default.
	TimeoutFor func(cmd string) time.Duration
}

// URCHandler consumes an unsolicited record. fields is the record split
// into at most 32 whitespace-delimited tokens.
type URCHandler func(rec string, fields []string)

// ResponseHandler consumes a completed response. cmd is the verbatim head
// command, body the accumulated non-terminator records, status the
// terminator token.
type ResponseHandler func(cmd string, body []string, status string)

type urcEntry struct {
	prefix string
	fn     URCHandler
}

type respEntry struct {
	prefix     string
	acceptFail bool
	fn         ResponseHandler
}

// Core drives one transport. All fields are owned by the Run goroutine;
// external callers inject work through Post.
type Core struct {
	tr      interfaces.Transport
	log     interfaces.Logger
	obs     interfaces.Observer
	profile Profile

	sched    *sched.Scheduler
	queue    Queue
	splitter *parse.Splitter

	urcs  []urcEntry
	resps []respEntry

	// OnFail publishes a diagnostic for a command that completed with a
	// non-OK terminator or timed out.
	OnFail func(cmd, status string)
	// OnRaw forwards records the dispatcher has no handler for.
	OnRaw func(rec string)

	body           []string
	consecTimeouts int
	state          State
	posted         chan func()
	chunks         chan []byte
	readErr        chan error
	stopReader     chan struct{}
	lostReason     error
}

// New creates a core over an open transport.
func New(tr interfaces.Transport, profile Profile, log interfaces.Logger, obs interfaces.Observer) *Core {
	c := &Core{
		tr:         tr,
		log:        log,
		obs:        obs,
		profile:    profile,
		sched:      sched.New(),
		splitter:   parse.NewSplitter(0),
		posted:     make(chan func(), 64),
		chunks:     make(chan []byte, 8),
		readErr:    make(chan error, 1),
		stopReader: make(chan struct{}),
		state:      StateConnected,
	}
	if c.profile.DefaultTimeout == 0 {
		c.profile.DefaultTimeout = 5 * time.Second
	}
	return c
}

// HandleURC registers fn for unsolicited records starting with prefix.
// Registration order is match order.
func (c *Core) HandleURC(prefix string, fn URCHandler) {
	c.urcs = append(c.urcs, urcEntry{prefix: prefix, fn: fn})
}

// HandleResponse registers fn for responses whose command starts with
// prefix.
func (c *Core) HandleResponse(prefix string, fn ResponseHandler) {
	c.resps = append(c.resps, respEntry{prefix: prefix, fn: fn})
}

// HandleResponseFail is HandleResponse for commands whose non-OK terminator
// is a normal protocol outcome (list iteration ends with FAIL) and must not
// raise a fail diagnostic.
func (c *Core) HandleResponseFail(prefix string, fn ResponseHandler) {
	c.resps = append(c.resps, respEntry{prefix: prefix, acceptFail: true, fn: fn})
}

// Post hands a closure to the core loop. It is the only safe way for MQTT
// callbacks and other goroutines to touch core-owned state.
func (c *Core) Post(fn func()) {
	select {
	case c.posted <- fn:
	case <-c.stopReader:
	}
}

// Scheduler exposes the timer list to the bridge's pollers. Only call from
// inside the core loop (handlers and Posted closures).
func (c *Core) Scheduler() *sched.Scheduler {
	return c.sched
}

// Enqueue appends a command and starts transmitting it if the line is idle.
func (c *Core) Enqueue(line string) {
	if c.state == StateLost || c.state == StateDraining || c.state == StateDone {
		return
	}
	if c.obs != nil {
		c.obs.ObserveCommand(true)
	}
	if c.queue.Enqueue(line) {
		c.writeHead()
	}
}

// EnqueueUnique appends a command unless its verbatim text is already
// queued. Periodic pollers use this to avoid piling up behind a slow scan.
func (c *Core) EnqueueUnique(line string) {
	if c.queue.Contains(line) {
		return
	}
	c.Enqueue(line)
}

// QueueLen reports the number of outstanding commands.
func (c *Core) QueueLen() int {
	return c.queue.Len()
}

// Run drives the bridge until ctx is cancelled or the transport dies. The
// returned error is nil for a cancellation (clean shutdown) and
// ErrTransportLost when the peer stopped responding; either way retained
// state can still be drained by the caller.
func (c *Core) Run(ctx context.Context) error {
	c.state = StateRunning
	go c.readLoop()
	defer close(c.stopReader)

	for {
		c.sched.Flush()
		if c.state == StateLost {
			return c.lostReason
		}

		var timer *time.Timer
		var deadline <-chan time.Time
		if wait := c.sched.WaitTime(); wait != sched.NoDeadline {
			timer = time.NewTimer(wait)
			deadline = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			c.state = StateDraining
			return nil
		case err := <-c.readErr:
			if timer != nil {
				timer.Stop()
			}
			c.log.Errorf("transport read failed: %v", err)
			c.fail(fmt.Errorf("%w: %w", ErrTransportLost, err))
			return c.lostReason
		case chunk := <-c.chunks:
			c.handleChunk(chunk)
		case fn := <-c.posted:
			fn()
		case <-deadline:
			// deadlines fire via Flush at the top of the loop
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// readLoop waits for transport readability and forwards chunks to the core
// loop. It is the only goroutine besides Run's that touches the fd, and it
// only reads.
func (c *Core) readLoop() {
	buf := make([]byte, 4096)
	fds := []unix.PollFd{{Fd: int32(c.tr.Fd()), Events: unix.POLLIN}}
	for {
		select {
		case <-c.stopReader:
			return
		default:
		}
		fds[0].Events = unix.POLLIN
		n, err := unix.Poll(fds, 200)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			c.readErr <- err
			return
		}
		if n == 0 {
			continue
		}
		rn, err := c.tr.ReadChunk(buf)
		if err != nil {
			c.readErr <- err
			return
		}
		if rn == 0 {
			continue
		}
		chunk := make([]byte, rn)
		copy(chunk, buf[:rn])
		select {
		case c.chunks <- chunk:
		case <-c.stopReader:
			return
		}
	}
}

// Feed processes a raw transport chunk synchronously. The Run loop feeds
// chunks through here; tests and in-process transports may call it
// directly on the owning goroutine.
func (c *Core) Feed(chunk []byte) {
	c.handleChunk(chunk)
}

func (c *Core) handleChunk(chunk []byte) {
	if c.profile.Datagram {
		c.handleDatagram(string(chunk))
		return
	}
	recs, err := c.splitter.Push(chunk)
	if err != nil {
		c.log.Errorf("record buffer overflow, dropping transport: %v", err)
		c.fail(fmt.Errorf("%w: %w", ErrTransportLost, err))
		return
	}
	for _, rec := range recs {
		c.dispatch(rec)
	}
}

// handleDatagram routes one supplicant datagram: URCs carry a "<N>" syslog
// level sigil, anything else is the complete reply to the head command.
func (c *Core) handleDatagram(dgram string) {
	if c.profile.IsURC(dgram) {
		c.dispatchURC(strings.TrimRight(dgram, "\r\n"))
		return
	}
	if _, inFlight := c.queue.Head(); !inFlight {
		c.forwardRaw(strings.TrimRight(dgram, "\r\n"))
		return
	}
	lines := parse.Lines(dgram)
	status := "OK"
	if len(lines) == 1 && (lines[0] == "OK" || lines[0] == "FAIL" || lines[0] == "UNKNOWN COMMAND") {
		status = lines[0]
		lines = nil
	}
	c.body = lines
	c.completeHead(status)
}

func (c *Core) dispatch(rec string) {
	if c.profile.IsURC(rec) {
		c.dispatchURC(rec)
		return
	}
	if status, ok := c.profile.Terminator(rec); ok {
		if _, inFlight := c.queue.Head(); !inFlight {
			// A terminator with nothing queued is unsolicited.
			c.forwardRaw(rec)
			return
		}
		c.completeHead(status)
		return
	}
	if head, inFlight := c.queue.Head(); inFlight {
		if c.profile.EchoSuppress && rec == head {
			return
		}
		if len(c.body) == maxBodyLines-1 {
			c.body = append(c.body, "...")
			return
		}
		if len(c.body) >= maxBodyLines {
			return
		}
		c.body = append(c.body, rec)
		return
	}
	c.forwardRaw(rec)
}

func (c *Core) dispatchURC(rec string) {
	if c.profile.StripURC != nil {
		rec = c.profile.StripURC(rec)
	}
	fields := parse.Fields(rec)
	for _, h := range c.urcs {
		if strings.HasPrefix(rec, h.prefix) {
			if c.obs != nil {
				c.obs.ObserveURC(true)
			}
			h.fn(rec, fields)
			return
		}
	}
	if c.obs != nil {
		c.obs.ObserveURC(false)
	}
	c.forwardRaw(rec)
}

func (c *Core) forwardRaw(rec string) {
	if c.OnRaw != nil {
		c.OnRaw(rec)
	}
}

// completeHead finishes the in-flight command: route the body to the
// response handler, account the terminator, pop and transmit the next
// command.
func (c *Core) completeHead(status string) {
	head, ok := c.queue.Head()
	if !ok {
		return
	}
	body := c.body
	c.body = nil
	c.sched.Remove(tagCmdTimeout)
	c.consecTimeouts = 0

	failOK := false
	for _, h := range c.resps {
		if strings.HasPrefix(head, h.prefix) {
			failOK = h.acceptFail
			if status == "OK" || h.acceptFail {
				h.fn(head, body, status)
			}
			break
		}
	}
	if c.obs != nil {
		c.obs.ObserveCompletion(status == "OK")
	}
	if status != "OK" && !failOK {
		c.log.Warnf("command %q finished with %q", head, status)
		if c.OnFail != nil {
			c.OnFail(head, status)
		}
	}

	c.queue.Pop()
	c.writeHead()
}

// writeHead transmits the queue head, arming the command timeout and
// re-arming the keepalive. A blocked write schedules a retry; a wedged or
// short write kills the transport.
func (c *Core) writeHead() {
	head, ok := c.queue.Head()
	if !ok {
		return
	}
	err := c.tr.WriteAll(head)
	switch {
	case err == nil:
		c.armCommandTimeout(head)
		c.armKeepalive()
	case errors.Is(err, transport.ErrWriteAgain):
		if c.obs != nil {
			c.obs.ObserveWriteRetry()
		}
		c.log.Debugf("write of %q would block, retrying in %s", head, writeRetryDelay)
		c.sched.Add(tagWriteRetry, writeRetryDelay, c.writeHead)
	default:
		c.log.Errorf("write of %q failed: %v", head, err)
		c.fail(fmt.Errorf("%w: %w", ErrTransportLost, err))
	}
}

func (c *Core) armCommandTimeout(cmd string) {
	timeout := c.profile.DefaultTimeout
	if c.profile.TimeoutFor != nil {
		if d := c.profile.TimeoutFor(cmd); d > 0 {
			timeout = d
		}
	}
	c.sched.Add(tagCmdTimeout, timeout, c.onCommandTimeout)
}

// armKeepalive (re)starts the idle timer. Every successful transport write
// pushes it back; when it fires the link has been quiet for the full
// interval and a no-op keeps the peer honest.
func (c *Core) armKeepalive() {
	if c.profile.KeepaliveCmd == "" {
		return
	}
	c.sched.Add(tagKeepalive, keepaliveInterval, func() {
		c.EnqueueUnique(c.profile.KeepaliveCmd)
		c.armKeepalive()
	})
}

func (c *Core) onCommandTimeout() {
	head, ok := c.queue.Head()
	if !ok {
		return
	}
	if c.obs != nil {
		c.obs.ObserveTimeout()
	}
	c.consecTimeouts++
	c.log.Warnf("command %q got no reply (%d consecutive)", head, c.consecTimeouts)
	if c.OnFail != nil {
		c.OnFail(head, "timeout")
	}
	c.body = nil
	c.queue.Pop()
	if c.consecTimeouts >= timeoutBudget {
		c.log.Errorf("last %d commands got timeout, transport considered lost", timeoutBudget)
		c.fail(fmt.Errorf("%w: %w", ErrTransportLost, ErrTimeoutBudget))
		return
	}
	c.writeHead()
}

// fail moves the core to StateLost. No retries; the owner drains retained
// state and exits.
func (c *Core) fail(reason error) {
	if c.state == StateLost {
		return
	}
	c.state = StateLost
	c.lostReason = reason
	c.sched.Remove(tagCmdTimeout)
	c.sched.Remove(tagKeepalive)
	c.sched.Remove(tagWriteRetry)
}

// StartKeepalive arms the idle timer before any command has been written.
func (c *Core) StartKeepalive() {
	c.armKeepalive()
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	return c.state
}
