// Package modem is the AT instantiation of the bridge core: it watches a
// cellular modem's tty, mirrors registration, signal and SIM state onto
// retained MQTT topics, and forwards inbound MQTT commands to the modem.
package modem

import (
	"strconv"
	"strings"
	"time"

	"github.com/modemlink/linkmqtt/internal/core"
	"github.com/modemlink/linkmqtt/internal/interfaces"
	"github.com/modemlink/linkmqtt/internal/mqttio"
)

// Source priorities for properties carried by more than one reply type.
// A lower-priority source may not overwrite a value a higher-priority
// source set; clearing is allowed only by the source that set it.
const (
	srcCOPS = iota + 1
	srcCREG
	srcCGREG
	srcCNTI
)

// Pollers selects the periodic state refreshes; zero disables one.
type Pollers struct {
	CSQ   time.Duration
	CREG  time.Duration
	CGREG time.Duration
	COPS  time.Duration
	CNTI  time.Duration
}

// DefaultPollers enables the cheap signal and registration refreshes.
func DefaultPollers() Pollers {
	return Pollers{
		CSQ:   10 * time.Second,
		CREG:  30 * time.Second,
		CGREG: 30 * time.Second,
	}
}

// Config carries the per-instance settings.
type Config struct {
	// Prefix is the topic root, e.g. "gsm" for gsm/rssi.
	Prefix  string
	Options Option
	Pollers Pollers
}

// Bridge binds the AT dispatcher to a core and a topic cache.
type Bridge struct {
	cfg   Config
	core  *core.Core
	cache *mqttio.Cache
	log   interfaces.Logger

	ops  *operatorTable
	prio map[string]int

	imsi     string
	simop    string // from +CSPN, wins over the operator-table name
	brand    string
	model    string
	detected Option

	cpinReady bool
	pbDone    bool
	smsDone   bool
	simInited bool
}

// Profile returns the AT dispatcher profile.
func Profile() core.Profile {
	return core.Profile{
		IsURC:          isURC,
		Terminator:     terminator,
		EchoSuppress:   true,
		KeepaliveCmd:   "AT",
		DefaultTimeout: 5 * time.Second,
		TimeoutFor: func(cmd string) time.Duration {
			switch {
			case strings.HasPrefix(cmd, "AT+COPS=?"):
				return 60 * time.Second
			case strings.HasPrefix(cmd, "AT*CNTI=?"):
				return 180 * time.Second
			}
			return 0
		},
	}
}

// isURC classifies AT records: a leading '+' or '*' marks an information
// or unsolicited record, except +CME ERROR which terminates a command.
// A few bare vendor strings are unsolicited too. NO CARRIER is left to the
// terminator path; with no command queued the core forwards it raw.
func isURC(rec string) bool {
	if strings.HasPrefix(rec, "+CME ERROR") {
		return false
	}
	if len(rec) > 0 && (rec[0] == '+' || rec[0] == '*') {
		return true
	}
	switch rec {
	case "PB DONE", "SMS DONE", "RING":
		return true
	}
	return false
}

func terminator(rec string) (string, bool) {
	switch rec {
	case "OK", "ERROR", "ABORT", "NO CARRIER":
		return rec, true
	}
	if strings.HasPrefix(rec, "+CME ERROR") {
		return rec, true
	}
	return "", false
}

// New wires the modem dispatcher into c. The caller runs the core.
func New(c *core.Core, cache *mqttio.Cache, cfg Config, log interfaces.Logger) *Bridge {
	b := &Bridge{
		cfg:   cfg,
		core:  c,
		cache: cache,
		log:   log,
		ops:   newOperatorTable(),
		prio:  make(map[string]int),
	}

	c.OnFail = b.onFail
	c.OnRaw = b.onRaw

	c.HandleURC("+CPIN:", b.urcCPIN)
	c.HandleURC("+SIMCARD:", b.urcSIMCard)
	c.HandleURC("+CREG:", func(rec string, _ []string) { b.handleReg(rec, false) })
	c.HandleURC("+CGREG:", func(rec string, _ []string) { b.handleReg(rec, true) })
	c.HandleURC("+CSQ:", b.urcCSQ)
	c.HandleURC("+COPS:", b.urcCOPS)
	c.HandleURC("+COPN:", b.urcCOPN)
	c.HandleURC("+CSPN:", b.urcCSPN)
	c.HandleURC("+CCID:", b.urcCCID)
	c.HandleURC("+CNUM:", b.urcCNUM)
	c.HandleURC("*CNTI:", b.urcCNTI)
	c.HandleURC("PB DONE", func(string, []string) { b.pbDone = true; b.maybeSIMInit() })
	c.HandleURC("SMS DONE", func(string, []string) { b.smsDone = true; b.maybeSIMInit() })
	c.HandleURC("RING", func(rec string, _ []string) { b.publishRaw(rec) })

	c.HandleResponse("AT+CIMI", b.respCIMI)
	c.HandleResponse("AT+CCID", b.respCCID)
	c.HandleResponse("AT+CGMI", b.respIdent("brand", &b.brand))
	c.HandleResponse("AT+CGMM", b.respIdent("model", &b.model))
	c.HandleResponse("AT+CGMR", b.respIdent("rev", nil))
	c.HandleResponse("AT+CGSN", b.respIdent("imei", nil))
	c.HandleResponse("AT+CEER", b.respCEER)

	return b
}

// Start enqueues the identification batch and arms the pollers. It must
// run on the goroutine that owns the core: before Core.Run starts, or via
// Core.Post afterwards.
func (b *Bridge) Start() {
	for _, cmd := range []string{
		"ATE0",
		"AT+CMEE=1",
		"AT+CREG=2",
		"AT+CGREG=2",
		"AT+CGMI",
		"AT+CGMM",
		"AT+CGMR",
		"AT+CGSN",
		"AT+CPIN?",
	} {
		b.core.Enqueue(cmd)
	}
	b.startPoller("poll-csq", b.cfg.Pollers.CSQ, "AT+CSQ")
	b.startPoller("poll-creg", b.cfg.Pollers.CREG, "AT+CREG?")
	b.startPoller("poll-cgreg", b.cfg.Pollers.CGREG, "AT+CGREG?")
	b.startPoller("poll-cops", b.cfg.Pollers.COPS, "AT+COPS?")
	b.startPoller("poll-cnti", b.cfg.Pollers.CNTI, "AT*CNTI=0")
}

func (b *Bridge) startPoller(tag string, every time.Duration, cmd string) {
	if every <= 0 {
		return
	}
	var tick func()
	tick = func() {
		b.core.EnqueueUnique(cmd)
		b.core.Scheduler().Add(tag, every, tick)
	}
	b.core.Scheduler().Add(tag, every, tick)
}

// Subscriptions lists the inbound topic filters this bridge serves.
func (b *Bridge) Subscriptions() []string {
	return []string{
		b.topic("raw/send"),
		b.topic("at/set"),
		b.topic("ops/scan"),
	}
}

// HandleMessage routes one inbound MQTT message. Must run on the core
// loop (wrap in Core.Post).
func (b *Bridge) HandleMessage(topic, payload string) {
	suffix := strings.TrimPrefix(topic, b.cfg.Prefix+"/")
	switch suffix {
	case "raw/send", "at/set":
		line := strings.TrimSpace(payload)
		if line != "" {
			b.core.Enqueue(line)
		}
	case "ops/scan":
		if b.options().Has(OptDetachedScan) {
			b.core.EnqueueUnique("AT+COPS=2")
		}
		b.core.EnqueueUnique("AT+COPS=?")
	default:
		b.log.Debugf("unhandled inbound topic %s", topic)
	}
}

func (b *Bridge) topic(name string) string {
	return b.cfg.Prefix + "/" + name
}

func (b *Bridge) options() Option {
	return b.cfg.Options | b.detected
}

func (b *Bridge) publishRaw(rec string) {
	b.cache.PublishRaw(b.topic("raw/at"), rec)
}

func (b *Bridge) onRaw(rec string) {
	if rec == "NO CARRIER" && b.options().Has(OptCEER) {
		b.core.EnqueueUnique("AT+CEER")
	}
	b.publishRaw(rec)
}

func (b *Bridge) onFail(cmd, status string) {
	b.cache.PublishRaw(b.topic("fail"), cmd+": "+status)
}

// publishPrio publishes a property that can arrive from several reply
// types, enforcing the source-priority rule.
func (b *Bridge) publishPrio(name, val string, src int) {
	cur, held := b.prio[name]
	if val == "" {
		if held && cur == src {
			b.cache.Clear(b.topic(name))
			delete(b.prio, name)
		}
		return
	}
	if held && src < cur {
		return
	}
	b.prio[name] = src
	b.cache.Publish(b.topic(name), val)
}

// --- URC handlers ---

func (b *Bridge) urcCPIN(rec string, _ []string) {
	if strings.Contains(rec, "READY") {
		b.cpinReady = true
		b.maybeSIMInit()
	}
}

// maybeSIMInit fires the SIM identification batch once the card is
// usable. SIMCOM firmware keeps the phonebook and SMS stores loading
// after CPIN READY; wait for their completion URCs there.
func (b *Bridge) maybeSIMInit() {
	if b.simInited || !b.cpinReady {
		return
	}
	if b.options().Has(OptSIMCom) && !(b.pbDone && b.smsDone) {
		return
	}
	b.simInited = true
	for _, cmd := range []string{"AT+CSPN?", "AT+CCID", "AT+CIMI", "AT+CNUM", "AT+COPN"} {
		b.core.EnqueueUnique(cmd)
	}
}

func (b *Bridge) urcSIMCard(rec string, _ []string) {
	if strings.Contains(rec, "NOT AVAILABLE") {
		b.clearSIM()
	}
}

func (b *Bridge) clearSIM() {
	for _, name := range []string{"imsi", "iccid", "number", "simop", "simopid"} {
		b.cache.Clear(b.topic(name))
	}
	b.ops.Clear()
	b.imsi = ""
	b.simop = ""
	b.cpinReady = false
	b.pbDone = false
	b.smsDone = false
	b.simInited = false
}

func (b *Bridge) handleReg(rec string, gprs bool) {
	info, ok := parseReg(rec)
	if !ok {
		b.publishRaw(rec)
		return
	}
	src := srcCREG
	regTopic := "reg"
	if gprs {
		src = srcCGREG
		regTopic = "greg"
	}
	b.cache.Publish(b.topic(regTopic), info.state)
	b.publishPrio("lac", info.lac, src)
	b.publishPrio("cellid", info.cellID, src)
	if info.nt != "" {
		b.publishPrio("nt", info.nt, src)
	}
	switch info.stat {
	case 1, 3, 5: // registered, denied, roaming
		b.core.EnqueueUnique("AT+COPS?")
	}
}

func (b *Bridge) urcCSQ(rec string, _ []string) {
	args := splitArgs(afterColon(rec))
	if len(args) < 2 {
		return
	}
	rssi, err1 := strconv.Atoi(args[0])
	ber, err2 := strconv.Atoi(args[1])
	if err1 != nil || err2 != nil {
		return
	}
	b.cache.Publish(b.topic("rssi"), csqRSSI(rssi))
	b.cache.Publish(b.topic("ber"), csqBER(ber))
}

func (b *Bridge) urcCOPS(rec string, _ []string) {
	if strings.Contains(rec, "(") {
		entries := parseOpsScan(rec)
		var lines []string
		for _, e := range entries {
			lines = append(lines, strconv.Itoa(e.stat)+","+e.name+","+e.id)
		}
		b.cache.PublishRaw(b.topic("ops"), strings.Join(lines, "\n"))
		return
	}
	cur, ok := parseOpsCurrent(rec)
	if !ok {
		// Deregistered: a bare "+COPS: 0" carries no operator.
		b.cache.Clear(b.topic("op"))
		b.cache.Clear(b.topic("opid"))
		return
	}
	switch cur.format {
	case 2:
		b.cache.Publish(b.topic("opid"), cur.oper)
		if name, known := b.ops.Name(cur.oper); known {
			b.cache.Publish(b.topic("op"), name)
		}
	default:
		b.cache.Publish(b.topic("op"), cur.oper)
	}
	if cur.nt != "" {
		b.publishPrio("nt", cur.nt, srcCOPS)
	}
}

func (b *Bridge) urcCOPN(rec string, _ []string) {
	args := splitArgs(afterColon(rec))
	if len(args) < 2 {
		return
	}
	b.ops.Add(args[0], args[1])
	b.deriveSIMOperator()
}

func (b *Bridge) urcCSPN(rec string, _ []string) {
	args := splitArgs(afterColon(rec))
	if len(args) < 1 || args[0] == "" {
		return
	}
	b.simop = args[0]
	b.cache.Publish(b.topic("simop"), args[0])
}

func (b *Bridge) urcCCID(rec string, _ []string) {
	if id := afterColon(rec); id != "" {
		b.cache.Publish(b.topic("iccid"), id)
	}
}

func (b *Bridge) urcCNUM(rec string, _ []string) {
	args := splitArgs(afterColon(rec))
	if len(args) >= 2 && args[1] != "" {
		b.cache.Publish(b.topic("number"), args[1])
	}
}

// cntiNames maps *CNTI technology strings to the published labels.
var cntiNames = map[string]string{
	"GSM":   "2g",
	"GPRS":  "2.5g",
	"EDGE":  "2.5g",
	"UMTS":  "3g",
	"HSDPA": "3g",
	"HSUPA": "3g",
	"LTE":   "4g",
}

func (b *Bridge) urcCNTI(rec string, _ []string) {
	args := splitArgs(afterColon(rec))
	if len(args) < 2 {
		return
	}
	if nt, ok := cntiNames[strings.ToUpper(args[1])]; ok {
		b.publishPrio("nt", nt, srcCNTI)
	}
}

// --- response handlers ---

func firstLine(body []string) string {
	if len(body) == 0 {
		return ""
	}
	return strings.TrimSpace(body[0])
}

func (b *Bridge) respCIMI(_ string, body []string, _ string) {
	imsi := firstLine(body)
	if imsi == "" {
		return
	}
	b.imsi = imsi
	b.cache.Publish(b.topic("imsi"), imsi)
	b.deriveSIMOperator()
}

// deriveSIMOperator maps the IMSI prefix onto the operator table. The
// +CSPN name wins for simop when present.
func (b *Bridge) deriveSIMOperator() {
	if b.imsi == "" {
		return
	}
	id, name, ok := b.ops.MatchIMSI(b.imsi)
	if !ok {
		return
	}
	b.cache.Publish(b.topic("simopid"), id)
	if b.simop == "" {
		b.cache.Publish(b.topic("simop"), name)
	}
}

func (b *Bridge) respCCID(_ string, body []string, _ string) {
	// Some firmware answers AT+CCID with a bare body line instead of a
	// +CCID: record.
	if id := afterColon(firstLine(body)); id != "" {
		b.cache.Publish(b.topic("iccid"), id)
	}
}

func (b *Bridge) respIdent(name string, store *string) core.ResponseHandler {
	return func(_ string, body []string, _ string) {
		val := firstLine(body)
		if val == "" {
			return
		}
		b.cache.Publish(b.topic(name), val)
		if store != nil {
			*store = val
			b.detected = detectQuirks(b.brand, b.model)
		}
	}
}

func (b *Bridge) respCEER(_ string, body []string, _ string) {
	if len(body) > 0 {
		b.cache.PublishRaw(b.topic("warn"), strings.Join(body, " "))
	}
}
