// Package wifi is the wpa_supplicant instantiation of the bridge core: it
// attaches to the control socket of one interface, mirrors association
// state, configured networks and scan results onto retained MQTT topics,
// and translates inbound MQTT commands into control-socket requests.
package wifi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/modemlink/linkmqtt/internal/core"
	"github.com/modemlink/linkmqtt/internal/interfaces"
	"github.com/modemlink/linkmqtt/internal/mqttio"
	"github.com/modemlink/linkmqtt/internal/parse"
)

// Config carries the per-instance settings.
type Config struct {
	// Iface is the wireless interface, e.g. "wlan0". Topics live under
	// net/<iface>/.
	Iface string
	// NoPlainPSK derives the 256-bit key from quoted passphrases instead
	// of storing them in the supplicant config.
	NoPlainPSK bool
	// SignalPoll is the period of the link-quality refresh; zero
	// disables it.
	SignalPoll time.Duration
}

// Bridge binds the supplicant dispatcher to a core and a topic cache.
type Bridge struct {
	cfg    Config
	core   *core.Core
	cache  *mqttio.Cache
	log    interfaces.Logger
	prefix string

	nets  networkSet
	cells bssSet

	stations int
	currMode Mode
	// bssEvents remembers that per-BSS add/remove events arrived; the
	// event-driven path then supersedes full SCAN_RESULTS fetches.
	bssEvents bool
}

// Profile returns the supplicant dispatcher profile. Records are
// datagrams; unsolicited ones carry a "<N>" syslog-level sigil.
func Profile() core.Profile {
	return core.Profile{
		IsURC: func(rec string) bool {
			return len(rec) >= 3 && rec[0] == '<' && rec[1] >= '0' && rec[1] <= '9' && rec[2] == '>'
		},
		Terminator: func(string) (string, bool) { return "", false },
		Datagram:   true,
		StripURC: func(rec string) string {
			if len(rec) >= 3 && rec[0] == '<' && rec[2] == '>' {
				return rec[3:]
			}
			return rec
		},
		KeepaliveCmd:   "PING",
		DefaultTimeout: 3 * time.Second,
	}
}

// New wires the supplicant dispatcher into c. The caller runs the core.
func New(c *core.Core, cache *mqttio.Cache, cfg Config, log interfaces.Logger) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		core:   c,
		cache:  cache,
		log:    log,
		prefix: "net/" + cfg.Iface,
	}

	c.OnFail = b.onFail
	c.OnRaw = b.onRaw

	c.HandleURC("CTRL-EVENT-CONNECTED", func(string, []string) {
		b.cache.Publish(b.topic("wifistate"), "connected")
		b.core.EnqueueUnique("STATUS")
	})
	c.HandleURC("CTRL-EVENT-DISCONNECTED", func(string, []string) {
		b.cache.Publish(b.topic("wifistate"), "disconnected")
		b.core.EnqueueUnique("STATUS")
	})
	c.HandleURC("CTRL-EVENT-SCAN-RESULTS", func(string, []string) {
		if !b.bssEvents {
			b.core.EnqueueUnique("SCAN_RESULTS")
		}
	})
	c.HandleURC("CTRL-EVENT-BSS-ADDED", b.urcBSSAdded)
	c.HandleURC("CTRL-EVENT-BSS-REMOVED", b.urcBSSRemoved)
	c.HandleURC("AP-ENABLED", func(string, []string) { b.groupStarted(ModeAP, "AP") })
	c.HandleURC("AP-DISABLED", func(string, []string) { b.groupStopped() })
	c.HandleURC("MESH-GROUP-STARTED", func(string, []string) { b.groupStarted(ModeMesh, "mesh") })
	c.HandleURC("MESH-GROUP-REMOVED", func(string, []string) { b.groupStopped() })
	c.HandleURC("AP-STA-CONNECTED", func(string, []string) { b.stationDelta(1) })
	c.HandleURC("AP-STA-DISCONNECTED", func(string, []string) { b.stationDelta(-1) })
	c.HandleURC("MESH-PEER-CONNECTED", func(string, []string) { b.stationDelta(1) })
	c.HandleURC("MESH-PEER-DISCONNECTED", func(string, []string) { b.stationDelta(-1) })

	c.HandleResponse("STATUS", b.respStatus)
	c.HandleResponse("SIGNAL_POLL", b.respSignalPoll)
	c.HandleResponse("LIST_NETWORKS", b.respListNetworks)
	c.HandleResponse("ADD_NETWORK", b.respAddNetwork)
	c.HandleResponse("GET_NETWORK ", b.respGetNetwork)
	c.HandleResponse("BSS ", b.respBSS)
	c.HandleResponse("SCAN_RESULTS", b.respScanResults)
	c.HandleResponse("REMOVE_NETWORK ", b.respNetworkMutation)
	c.HandleResponse("ENABLE_NETWORK ", b.respNetworkMutation)
	c.HandleResponse("DISABLE_NETWORK ", b.respNetworkMutation)
	c.HandleResponse("SELECT_NETWORK ", b.respNetworkMutation)

	return b
}

// Start attaches to the event stream and fetches the initial state. It
// must run on the goroutine that owns the core: before Core.Run starts,
// or via Core.Post afterwards.
func (b *Bridge) Start() {
	for _, cmd := range []string{"ATTACH", "STATUS", "LIST_NETWORKS", "SCAN_RESULTS"} {
		b.core.Enqueue(cmd)
	}
	if b.cfg.SignalPoll > 0 {
		var tick func()
		tick = func() {
			b.core.EnqueueUnique("SIGNAL_POLL")
			b.core.Scheduler().Add("poll-signal", b.cfg.SignalPoll, tick)
		}
		b.core.Scheduler().Add("poll-signal", b.cfg.SignalPoll, tick)
	}
}

// Subscriptions lists the inbound topic filters this bridge serves.
func (b *Bridge) Subscriptions() []string {
	return []string{
		b.topic("ssid/+"),
		b.topic("ssid/config/+"),
		b.topic("wifi/config/+"),
		b.topic("wifistate/set"),
	}
}

func (b *Bridge) topic(name string) string {
	return b.prefix + "/" + name
}

func (b *Bridge) bssTopic(bssid, name string) string {
	return b.prefix + "/bss/" + bssid + "/" + name
}

func (b *Bridge) onRaw(rec string) {
	b.cache.PublishRaw("tmp/"+b.cfg.Iface+"/wpa", rec)
}

func (b *Bridge) onFail(cmd, status string) {
	b.cache.PublishRaw(b.topic("fail"), cmd+": "+status)
}

// --- URC handlers ---

func (b *Bridge) urcBSSAdded(_ string, fields []string) {
	if len(fields) < 3 {
		return
	}
	b.bssEvents = true
	b.core.EnqueueUnique("BSS " + fields[2])
}

func (b *Bridge) urcBSSRemoved(_ string, fields []string) {
	if len(fields) < 3 {
		return
	}
	b.bssEvents = true
	b.removeBSS(fields[2])
}

func (b *Bridge) groupStarted(mode Mode, state string) {
	b.currMode = mode
	b.stations = 0
	b.cache.Publish(b.topic("wifistate"), state)
	b.cache.Publish(b.topic("stations"), "0")
}

func (b *Bridge) groupStopped() {
	b.currMode = ModeStation
	b.cache.Clear(b.topic("stations"))
	b.core.EnqueueUnique("STATUS")
}

func (b *Bridge) stationDelta(d int) {
	b.stations += d
	if b.stations < 0 {
		b.stations = 0
	}
	b.cache.Publish(b.topic("stations"), strconv.Itoa(b.stations))
}

// --- response handlers ---

func kvLines(body []string) map[string]string {
	kv := make(map[string]string, len(body))
	for _, line := range body {
		if i := strings.IndexByte(line, '='); i > 0 {
			kv[line[:i]] = line[i+1:]
		}
	}
	return kv
}

func (b *Bridge) respStatus(_ string, body []string, _ string) {
	kv := kvLines(body)
	if v, ok := kv["wpa_state"]; ok {
		b.cache.Publish(b.topic("wifistate"), strings.ToLower(v))
	}
	if v, ok := kv["bssid"]; ok {
		b.cache.Publish(b.topic("bssid"), v)
	}
	if v, ok := kv["ssid"]; ok {
		b.cache.Publish(b.topic("ssid"), v)
	}
	if v, ok := kv["freq"]; ok {
		if f, err := strconv.Atoi(v); err == nil {
			b.cache.Publish(b.topic("freq"), FreqString(f))
		}
	}
	if v, ok := kv["mode"]; ok {
		if m, known := ParseMode(v); known {
			b.currMode = m
		}
	}
}

func (b *Bridge) respSignalPoll(_ string, body []string, _ string) {
	kv := kvLines(body)
	if v, ok := kv["RSSI"]; ok {
		b.cache.Publish(b.topic("level"), v)
		b.cache.Publish(b.topic("rssi"), v)
	}
	if v, ok := kv["LINKSPEED"]; ok {
		b.cache.Publish(b.topic("speed"), v)
	}
	if v, ok := kv["FREQUENCY"]; ok {
		if f, err := strconv.Atoi(v); err == nil {
			b.cache.Publish(b.topic("freq"), FreqString(f))
		}
	}
}

func (b *Bridge) respListNetworks(_ string, body []string, _ string) {
	// A real reply always leads with the column header; anything else is
	// a truncated reply and must not trigger removals.
	if len(body) == 0 || !strings.HasPrefix(body[0], "network id") {
		return
	}
	seen := make(map[string]bool)
	for _, row := range body {
		if strings.HasPrefix(row, "network id") {
			continue
		}
		cols := parse.Columns(row)
		if len(cols) < 4 {
			continue
		}
		id, err := strconv.Atoi(cols[0])
		if err != nil {
			continue
		}
		ssid := cols[1]
		seen[ssid] = true
		n, ok := b.nets.BySSID(ssid)
		if !ok {
			n = b.nets.Insert(&Network{ID: id, SSID: ssid})
			b.core.EnqueueUnique(fmt.Sprintf("GET_NETWORK %d mode", id))
		} else if n.Pending() {
			// Still racing its ADD_NETWORK reply; leave pairing alone.
			continue
		}
		n.ID = id
		n.Current = strings.Contains(cols[3], "[CURRENT]")
		n.Disabled = strings.Contains(cols[3], "[DISABLED]")
	}
	for _, n := range append([]*Network(nil), b.nets.All()...) {
		if !n.Pending() && !seen[n.SSID] {
			b.nets.Remove(n.SSID)
		}
	}
	b.recompute()
}

// respAddNetwork pairs the returned id with the oldest network still
// awaiting one, then drains its queued mutations in order.
func (b *Bridge) respAddNetwork(_ string, body []string, _ string) {
	if len(body) == 0 {
		return
	}
	id, err := strconv.Atoi(strings.TrimSpace(body[0]))
	if err != nil {
		return
	}
	n, ok := b.nets.OldestPending()
	if !ok {
		b.log.Warnf("ADD_NETWORK reply %d with no pending network", id)
		return
	}
	n.ID = id

	b.core.Enqueue(fmt.Sprintf("SET_NETWORK %d ssid \"%s\"", id, n.SSID))
	for _, kv := range n.PendingConfig {
		b.core.Enqueue(fmt.Sprintf("SET_NETWORK %d %s %s", id, kv.Key, kv.Value))
	}
	if n.PendingSelect {
		b.core.Enqueue(fmt.Sprintf("SELECT_NETWORK %d", id))
	}
	if n.PendingEnable {
		b.core.Enqueue(fmt.Sprintf("ENABLE_NETWORK %d", id))
	}
	if n.PendingRemove {
		b.core.Enqueue(fmt.Sprintf("REMOVE_NETWORK %d", id))
		b.nets.Remove(n.SSID)
	}
	b.core.Enqueue("SAVE_CONFIG")

	n.PendingConfig = nil
	n.PendingSelect = false
	n.PendingEnable = false
	n.PendingRemove = false
	b.recompute()
}

// respGetNetwork re-parses the command ("GET_NETWORK <id> <key>") to
// correlate the bare value in the body.
func (b *Bridge) respGetNetwork(cmd string, body []string, _ string) {
	fields := parse.Fields(cmd)
	if len(fields) < 3 || len(body) == 0 {
		return
	}
	id, err := strconv.Atoi(fields[1])
	if err != nil {
		return
	}
	n, ok := b.nets.ByID(id)
	if !ok {
		return
	}
	val := strings.TrimSpace(body[0])
	switch fields[2] {
	case "mode":
		if m, err := strconv.Atoi(val); err == nil {
			n.Mode = Mode(m)
			b.recompute()
		}
	case "disabled":
		n.Disabled = val == "1"
	}
}

func (b *Bridge) respScanResults(_ string, body []string, _ string) {
	for _, cell := range b.cells.All() {
		cell.Flags &^= BSSPresent
	}
	for _, row := range body {
		if strings.HasPrefix(row, "bssid") {
			continue
		}
		cols := parse.Columns(row)
		if len(cols) < 4 {
			continue
		}
		cell := b.cells.Ensure(cols[0])
		cell.Flags |= BSSPresent
		b.core.EnqueueUnique("BSS " + cols[0])
	}
	var stale []string
	for _, cell := range b.cells.All() {
		if cell.Flags&BSSPresent == 0 {
			stale = append(stale, cell.BSSID)
		}
	}
	for _, bssid := range stale {
		b.removeBSS(bssid)
	}
}

// respBSS applies one "BSS <bssid>" detail reply and publishes the cell's
// four topics.
func (b *Bridge) respBSS(cmd string, body []string, _ string) {
	fields := parse.Fields(cmd)
	if len(fields) < 2 {
		return
	}
	bssid := fields[1]
	if len(body) == 0 {
		// The cell vanished between the event and our query.
		b.removeBSS(bssid)
		return
	}
	kv := kvLines(body)
	cell := b.cells.Ensure(bssid)
	cell.Flags |= BSSPresent
	if v, ok := kv["ssid"]; ok {
		cell.SSID = v
	}
	if v, ok := kv["freq"]; ok {
		if f, err := strconv.Atoi(v); err == nil {
			cell.Freq = f
		}
	}
	if v, ok := kv["level"]; ok {
		if l, err := strconv.Atoi(v); err == nil {
			cell.Level = l
		}
	}
	if flags, ok := kv["flags"]; ok {
		cell.Flags &^= BSSWPA | BSSWEP | BSSEAP
		if strings.Contains(flags, "WPA") {
			cell.Flags |= BSSWPA
		}
		if strings.Contains(flags, "WEP") {
			cell.Flags |= BSSWEP
		}
		if strings.Contains(flags, "EAP") {
			cell.Flags |= BSSEAP
		}
	}
	b.refreshKnown(cell)

	b.cache.Publish(b.bssTopic(bssid, "ssid"), cell.SSID)
	b.cache.Publish(b.bssTopic(bssid, "freq"), FreqString(cell.Freq))
	b.cache.Publish(b.bssTopic(bssid, "level"), strconv.Itoa(cell.Level))
	b.cache.Publish(b.bssTopic(bssid, "flags"), cell.FlagMask())
}

// respNetworkMutation resyncs the network set after any enable, disable,
// select or remove completes.
func (b *Bridge) respNetworkMutation(cmd string, _ []string, _ string) {
	fields := parse.Fields(cmd)
	if len(fields) >= 2 && fields[0] == "REMOVE_NETWORK" {
		if id, err := strconv.Atoi(fields[1]); err == nil {
			if n, ok := b.nets.ByID(id); ok {
				b.nets.Remove(n.SSID)
				b.recompute()
			}
		}
	}
	b.core.EnqueueUnique("LIST_NETWORKS")
}

// removeBSS drops the cell and erases its retained topics.
func (b *Bridge) removeBSS(bssid string) {
	b.cells.Remove(bssid)
	for _, name := range []string{"ssid", "freq", "level", "flags"} {
		b.cache.Clear(b.bssTopic(bssid, name))
	}
}

// refreshKnown re-derives the flags a BSS inherits from the network set:
// KNOWN iff a configured network shares its SSID, plus that network's
// disabled state and AP mode.
func (b *Bridge) refreshKnown(cell *BSS) {
	cell.Flags &^= BSSKnown | BSSDisabled | BSSAP
	if cell.SSID == "" {
		return
	}
	n, ok := b.nets.BySSID(cell.SSID)
	if !ok {
		return
	}
	cell.Flags |= BSSKnown
	if n.Disabled {
		cell.Flags |= BSSDisabled
	}
	if n.Mode == ModeAP {
		cell.Flags |= BSSAP
	}
}

// recompute refreshes the derived topics that depend on the network set:
// lastAP, lastmesh and the per-BSS flag masks.
func (b *Bridge) recompute() {
	if n, ok := b.nets.LastOfMode(ModeAP); ok {
		b.cache.Publish(b.topic("lastAP"), n.SSID)
	} else {
		b.cache.Clear(b.topic("lastAP"))
	}
	if n, ok := b.nets.LastOfMode(ModeMesh); ok {
		b.cache.Publish(b.topic("lastmesh"), n.SSID)
	} else {
		b.cache.Clear(b.topic("lastmesh"))
	}
	for _, cell := range b.cells.All() {
		b.refreshKnown(cell)
		// Only refresh masks already on the broker; cells without
		// detail publish on their first BSS reply.
		if b.cache.Get(b.bssTopic(cell.BSSID, "flags")) != "" {
			b.cache.Publish(b.bssTopic(cell.BSSID, "flags"), cell.FlagMask())
		}
	}
}

// --- MQTT ingress ---

// HandleMessage routes one inbound MQTT message. Must run on the core
// loop (wrap in Core.Post).
func (b *Bridge) HandleMessage(topic, payload string) {
	suffix := strings.TrimPrefix(topic, b.prefix+"/")
	parts := strings.Split(suffix, "/")
	payload = strings.TrimRight(payload, "\n")

	switch {
	case len(parts) == 2 && parts[0] == "ssid":
		b.handleSSIDCommand(parts[1], payload)
	case len(parts) == 3 && parts[0] == "ssid" && parts[1] == "config":
		ssid, value, ok := splitPayload(payload)
		if !ok {
			b.log.Warnf("ssid/config/%s: payload needs SSID and value lines", parts[2])
			return
		}
		b.setNetworkKV(ssid, parts[2], value)
	case len(parts) == 3 && parts[0] == "wifi" && parts[1] == "config":
		b.core.Enqueue("SET " + parts[2] + " " + payload)
	case len(parts) == 2 && parts[0] == "wifistate" && parts[1] == "set":
		b.setWifiState(payload)
	default:
		b.log.Debugf("unhandled inbound topic %s", topic)
	}
}

func splitPayload(payload string) (first, second string, ok bool) {
	lines := strings.SplitN(payload, "\n", 2)
	if len(lines) != 2 || lines[0] == "" {
		return "", "", false
	}
	return lines[0], strings.TrimRight(lines[1], "\n"), true
}

func (b *Bridge) handleSSIDCommand(op, payload string) {
	switch op {
	case "set":
		switch payload {
		case "all":
			b.core.Enqueue("ENABLE_NETWORK all")
		case "none":
			b.core.Enqueue("DISABLE_NETWORK all")
		default:
			b.selectSSID(payload)
		}
	case "enable":
		b.enableSSID(payload, true)
	case "disable":
		b.enableSSID(payload, false)
	case "remove":
		b.removeSSID(payload)
	case "psk":
		ssid, psk, ok := splitPayload(payload)
		if !ok {
			b.log.Warnf("ssid/psk: payload needs SSID and PSK lines")
			return
		}
		b.configurePSK(ssid, psk)
	case "ap":
		b.makeMode(payload, ModeAP)
	case "mesh":
		b.makeMode(payload, ModeMesh)
	case "create":
		b.ensureNetwork(payload)
	default:
		b.log.Debugf("unhandled ssid operation %q", op)
	}
}

// ensureNetwork returns the network for ssid, creating it (and issuing
// ADD_NETWORK) when new.
func (b *Bridge) ensureNetwork(ssid string) *Network {
	if n, ok := b.nets.BySSID(ssid); ok {
		return n
	}
	n := b.nets.NewPending(ssid)
	b.core.Enqueue("ADD_NETWORK")
	return n
}

func (b *Bridge) selectSSID(ssid string) {
	n := b.ensureNetwork(ssid)
	if n.Pending() {
		n.PendingSelect = true
		return
	}
	b.core.Enqueue(fmt.Sprintf("SELECT_NETWORK %d", n.ID))
}

func (b *Bridge) enableSSID(ssid string, enable bool) {
	n, ok := b.nets.BySSID(ssid)
	if !ok {
		b.log.Warnf("no network %q to enable/disable", ssid)
		return
	}
	if n.Pending() {
		n.PendingEnable = enable
		return
	}
	if enable {
		b.core.Enqueue(fmt.Sprintf("ENABLE_NETWORK %d", n.ID))
	} else {
		b.core.Enqueue(fmt.Sprintf("DISABLE_NETWORK %d", n.ID))
	}
}

func (b *Bridge) removeSSID(ssid string) {
	n, ok := b.nets.BySSID(ssid)
	if !ok {
		return
	}
	if n.Pending() {
		n.PendingRemove = true
		return
	}
	b.core.Enqueue(fmt.Sprintf("REMOVE_NETWORK %d", n.ID))
}

func (b *Bridge) configurePSK(ssid, psk string) {
	if b.cfg.NoPlainPSK {
		psk = DerivePSK(ssid, psk)
	}
	n, existed := b.nets.BySSID(ssid)
	if !existed || n.Pending() {
		n = b.ensureNetwork(ssid)
		n.PendingConfig = append(n.PendingConfig, KV{Key: "psk", Value: psk})
		n.PendingEnable = true
		return
	}
	b.core.Enqueue(fmt.Sprintf("SET_NETWORK %d psk %s", n.ID, psk))
	b.core.Enqueue(fmt.Sprintf("ENABLE_NETWORK %d", n.ID))
	b.core.Enqueue("SAVE_CONFIG")
}

// makeMode creates or marks a network as AP or mesh. The entry stays
// disabled until the user enables it.
func (b *Bridge) makeMode(ssid string, mode Mode) {
	n, existed := b.nets.BySSID(ssid)
	if !existed || n.Pending() {
		n = b.ensureNetwork(ssid)
		n.Mode = mode
		n.PendingConfig = append(n.PendingConfig, KV{Key: "mode", Value: strconv.Itoa(int(mode))})
		return
	}
	n.Mode = mode
	b.core.Enqueue(fmt.Sprintf("SET_NETWORK %d mode %d", n.ID, int(mode)))
	b.core.Enqueue("SAVE_CONFIG")
	b.recompute()
}

func (b *Bridge) setNetworkKV(ssid, key, value string) {
	n, ok := b.nets.BySSID(ssid)
	if !ok || n.Pending() {
		n = b.ensureNetwork(ssid)
		n.PendingConfig = append(n.PendingConfig, KV{Key: key, Value: value})
		return
	}
	b.core.Enqueue(fmt.Sprintf("SET_NETWORK %d %s %s", n.ID, key, value))
}

func (b *Bridge) setWifiState(payload string) {
	switch payload {
	case "off":
		b.core.Enqueue("DISABLE_NETWORK all")
		return
	case "any":
		b.core.Enqueue("ENABLE_NETWORK all")
		return
	}
	mode, ok := ParseMode(payload)
	if !ok {
		b.log.Warnf("wifistate/set: unknown state %q", payload)
		return
	}
	for _, n := range b.nets.All() {
		if n.Pending() {
			continue
		}
		if n.Mode == mode {
			b.core.Enqueue(fmt.Sprintf("ENABLE_NETWORK %d", n.ID))
		} else {
			b.core.Enqueue(fmt.Sprintf("DISABLE_NETWORK %d", n.ID))
		}
	}
}
