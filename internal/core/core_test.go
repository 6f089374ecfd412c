package core

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modemlink/linkmqtt/internal/logging"
	"github.com/modemlink/linkmqtt/internal/transport"
)

func atProfile() Profile {
	return Profile{
		IsURC: func(rec string) bool {
			return len(rec) > 0 && (rec[0] == '+' || rec[0] == '*') &&
				!hasPrefix(rec, "+CME ERROR")
		},
		Terminator: func(rec string) (string, bool) {
			switch {
			case rec == "OK", rec == "ERROR", rec == "ABORT", rec == "NO CARRIER":
				return rec, true
			case hasPrefix(rec, "+CME ERROR"):
				return rec, true
			}
			return "", false
		},
		EchoSuppress:   true,
		KeepaliveCmd:   "AT",
		DefaultTimeout: 5 * time.Second,
	}
}

func hasPrefix(s, p string) bool {
	return len(s) >= len(p) && s[:len(p)] == p
}

func newTestCore(p Profile) (*Core, *transport.Mem) {
	tr := transport.NewMem()
	log := logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
	return New(tr, p, log, nil), tr
}

func feed(c *Core, recs ...string) {
	for _, r := range recs {
		c.dispatch(r)
	}
}

func TestEnqueueWritesHeadImmediately(t *testing.T) {
	c, tr := newTestCore(atProfile())

	c.Enqueue("AT+CSQ")
	assert.Equal(t, []string{"AT+CSQ"}, tr.Written)

	c.Enqueue("AT+CREG?")
	assert.Equal(t, []string{"AT+CSQ"}, tr.Written, "second command must wait for the first response")

	feed(c, "OK")
	assert.Equal(t, []string{"AT+CSQ", "AT+CREG?"}, tr.Written)
}

func TestEnqueueUniqueSkipsDuplicates(t *testing.T) {
	c, tr := newTestCore(atProfile())

	c.EnqueueUnique("AT+CSQ")
	c.EnqueueUnique("AT+CSQ")
	assert.Equal(t, 1, c.QueueLen())
	assert.Equal(t, []string{"AT+CSQ"}, tr.Written)
}

func TestResponseRoutedByCommandPrefix(t *testing.T) {
	c, _ := newTestCore(atProfile())

	var gotCmd string
	var gotBody []string
	c.HandleResponse("AT+CIMI", func(cmd string, body []string, status string) {
		gotCmd, gotBody = cmd, body
	})

	c.Enqueue("AT+CIMI")
	feed(c, "AT+CIMI", "404685505601234", "OK")

	assert.Equal(t, "AT+CIMI", gotCmd)
	assert.Equal(t, []string{"404685505601234"}, gotBody, "command echo must be suppressed")
	assert.Equal(t, 0, c.QueueLen())
}

func TestURCNeverAdvancesQueue(t *testing.T) {
	c, _ := newTestCore(atProfile())

	var urcs []string
	c.HandleURC("+CREG:", func(rec string, fields []string) {
		urcs = append(urcs, rec)
	})

	c.Enqueue("AT+CSQ")
	feed(c, "+CREG: 1")
	assert.Equal(t, 1, c.QueueLen())
	assert.Equal(t, []string{"+CREG: 1"}, urcs)

	feed(c, "OK")
	assert.Equal(t, 0, c.QueueLen())
}

func TestNonOKTerminatorRaisesFail(t *testing.T) {
	c, _ := newTestCore(atProfile())

	var failCmd, failStatus string
	c.OnFail = func(cmd, status string) {
		failCmd, failStatus = cmd, status
	}

	c.Enqueue("AT+CPIN?")
	feed(c, "+CME ERROR: SIM not inserted")

	assert.Equal(t, "AT+CPIN?", failCmd)
	assert.Equal(t, "+CME ERROR: SIM not inserted", failStatus)
	assert.Equal(t, 0, c.QueueLen())
}

func TestAcceptFailSuppressesDiagnostic(t *testing.T) {
	c, _ := newTestCore(Profile{
		IsURC:      func(string) bool { return false },
		Terminator: func(string) (string, bool) { return "", false },
		Datagram:   true,
	})

	failed := false
	c.OnFail = func(cmd, status string) { failed = true }

	var gotStatus string
	c.HandleResponseFail("STA-NEXT", func(cmd string, body []string, status string) {
		gotStatus = status
	})

	c.Enqueue("STA-NEXT aa:bb:cc:dd:ee:ff")
	c.handleDatagram("FAIL\n")

	assert.Equal(t, "FAIL", gotStatus)
	assert.False(t, failed, "end-of-iteration FAIL is not a failure")
}

func TestUnsolicitedTerminatorForwardedRaw(t *testing.T) {
	c, _ := newTestCore(atProfile())

	var raw []string
	c.OnRaw = func(rec string) { raw = append(raw, rec) }

	feed(c, "OK", "RING")
	assert.Equal(t, []string{"OK", "RING"}, raw)
}

func TestBodyOverflowCollapses(t *testing.T) {
	c, _ := newTestCore(atProfile())

	var body []string
	c.HandleResponse("AT+COPN", func(cmd string, b []string, status string) { body = b })

	c.Enqueue("AT+COPN")
	for i := 0; i < 40; i++ {
		feed(c, "body line")
	}
	feed(c, "OK")

	require.Len(t, body, maxBodyLines)
	assert.Equal(t, "...", body[maxBodyLines-1])
}

func TestWriteRetryOnEAGAIN(t *testing.T) {
	c, tr := newTestCore(atProfile())
	tr.WriteErrs = []error{transport.ErrWriteAgain}

	c.Enqueue("AT+CSQ")
	assert.Empty(t, tr.Written)
	assert.True(t, c.sched.Pending(tagWriteRetry))

	// The scheduled retry succeeds.
	c.writeHead()
	assert.Equal(t, []string{"AT+CSQ"}, tr.Written)
}

func TestWedgedWriteLosesTransport(t *testing.T) {
	c, tr := newTestCore(atProfile())
	tr.WriteErrs = []error{transport.ErrWedged}

	c.Enqueue("AT+CSQ")
	assert.Equal(t, StateLost, c.State())
}

func TestTimeoutBudgetExhaustion(t *testing.T) {
	c, _ := newTestCore(atProfile())

	var fails []string
	c.OnFail = func(cmd, status string) { fails = append(fails, status) }

	for i := 0; i < timeoutBudget; i++ {
		c.Enqueue("AT+CSQ")
		// Run is never started here, so the core stays connected until
		// the budget runs out.
		require.Equal(t, StateConnected, c.State())
		c.onCommandTimeout()
		// transport.Mem never replies; drain the queue state
		for c.QueueLen() > 0 {
			c.queue.Pop()
		}
	}
	assert.Equal(t, StateLost, c.State())
	assert.Len(t, fails, timeoutBudget)
	assert.ErrorIs(t, c.lostReason, ErrTransportLost)
	assert.ErrorIs(t, c.lostReason, ErrTimeoutBudget)
}

func TestTimeoutCounterResetsOnCompletion(t *testing.T) {
	c, _ := newTestCore(atProfile())

	c.Enqueue("AT+CSQ")
	c.onCommandTimeout()
	assert.Equal(t, 1, c.consecTimeouts)

	c.Enqueue("AT+CSQ")
	feed(c, "OK")
	assert.Equal(t, 0, c.consecTimeouts)
}

func TestDatagramURCDispatch(t *testing.T) {
	c, _ := newTestCore(Profile{
		IsURC: func(rec string) bool {
			return len(rec) >= 3 && rec[0] == '<' && rec[2] == '>'
		},
		Datagram: true,
	})

	var urc string
	c.HandleURC("<3>CTRL-EVENT-CONNECTED", func(rec string, fields []string) { urc = rec })

	c.handleDatagram("<3>CTRL-EVENT-CONNECTED - Connection to aa:bb:cc:dd:ee:ff completed\n")
	assert.Contains(t, urc, "CTRL-EVENT-CONNECTED")
}

func TestDatagramResponseCompletesHead(t *testing.T) {
	c, _ := newTestCore(Profile{
		IsURC: func(rec string) bool {
			return len(rec) >= 3 && rec[0] == '<' && rec[2] == '>'
		},
		Datagram: true,
	})

	var body []string
	c.HandleResponse("STATUS", func(cmd string, b []string, status string) { body = b })

	c.Enqueue("STATUS")
	c.handleDatagram("wpa_state=COMPLETED\nbssid=aa:bb:cc:dd:ee:ff\n")

	assert.Equal(t, []string{"wpa_state=COMPLETED", "bssid=aa:bb:cc:dd:ee:ff"}, body)
	assert.Equal(t, 0, c.QueueLen())
}

func TestKeepaliveRearmedByWrite(t *testing.T) {
	c, _ := newTestCore(atProfile())

	c.Enqueue("AT+CSQ")
	assert.True(t, c.sched.Pending(tagKeepalive))
}

func TestQueueContains(t *testing.T) {
	var q Queue
	assert.True(t, q.Enqueue("a"))
	assert.False(t, q.Enqueue("b"))
	assert.True(t, q.Contains("a"))
	assert.False(t, q.Contains("c"))
	q.Pop()
	head, ok := q.Head()
	require.True(t, ok)
	assert.Equal(t, "b", head)
}
