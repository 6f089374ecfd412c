package modem

import "strings"

// Option is a bridge behaviour toggle. Some are set from the CLI, some
// auto-detected from the modem's identification strings.
type Option uint

const (
	// OptSIMCom marks SIMCOM firmware: SIM setup is complete only after
	// the "PB DONE" and "SMS DONE" vendor URCs.
	OptSIMCom Option = 1 << iota
	// OptDetachedScan detaches from the network (AT+COPS=2) before an
	// operator scan; some modems abort the scan otherwise.
	OptDetachedScan
	// OptCEER requests an extended error report after NO CARRIER.
	OptCEER
)

// Has reports whether opt is set.
func (o Option) Has(opt Option) bool {
	return o&opt != 0
}

// quirk matches a needle against the modem identification to enable an
// option automatically.
type quirk struct {
	opt    Option
	needle string
	desc   string
}

var quirkTable = []quirk{
	{OptSIMCom | OptDetachedScan, "SIMCOM", "SIM ready only after PB DONE/SMS DONE; detach before operator scan"},
	{OptSIMCom, "SIMTECH", "SIM ready only after PB DONE/SMS DONE"},
	{OptDetachedScan, "SIM7", "detach before operator scan"},
}

// detectQuirks returns the options implied by the brand and model strings.
// Re-evaluated whenever either changes.
func detectQuirks(brand, model string) Option {
	ident := strings.ToUpper(brand + " " + model)
	var opts Option
	for _, q := range quirkTable {
		if strings.Contains(ident, q.needle) {
			opts |= q.opt
		}
	}
	return opts
}
