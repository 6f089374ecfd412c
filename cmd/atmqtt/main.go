// atmqtt bridges a cellular modem's AT interface to an MQTT broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/modemlink/linkmqtt"
	"github.com/modemlink/linkmqtt/internal/logging"
	"github.com/modemlink/linkmqtt/internal/modem"
)

func main() {
	var (
		host    = pflag.StringP("host", "h", "localhost", "MQTT broker host")
		port    = pflag.IntP("port", "p", 1883, "MQTT broker port")
		prefix  = pflag.String("prefix", "gsm", "topic prefix")
		qos     = pflag.Int("qos", -1, "MQTT QoS for retained state (-1 = auto)")
		verbose = pflag.CountP("verbose", "v", "increase verbosity")

		pollCSQ   = pflag.Duration("poll-csq", 10*time.Second, "signal-quality poll period (0 = off)")
		pollCREG  = pflag.Duration("poll-creg", 30*time.Second, "registration poll period (0 = off)")
		pollCGREG = pflag.Duration("poll-cgreg", 30*time.Second, "GPRS registration poll period (0 = off)")
		pollCOPS  = pflag.Duration("poll-cops", 0, "operator poll period (0 = off)")
		pollCNTI  = pflag.Duration("poll-cnti", 0, "network-technology poll period (0 = off)")

		simcom   = pflag.Bool("simcom", false, "force SIMCOM quirks (also auto-detected)")
		detached = pflag.Bool("detached-scan", false, "detach before operator scans")
		ceer     = pflag.Bool("ceer", false, "request extended error report after NO CARRIER")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] <device>\n\noptions:\n%s",
			os.Args[0], pflag.CommandLine.FlagUsages())
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	level := logging.LevelInfo
	if *verbose > 0 {
		level = logging.LevelDebug
	}
	log := logging.NewLogger(&logging.Config{Level: level, Prefix: "atmqtt"})
	logging.SetDefault(log)

	var options modem.Option
	if *simcom {
		options |= modem.OptSIMCom
	}
	if *detached {
		options |= modem.OptDetachedScan
	}
	if *ceer {
		options |= modem.OptCEER
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := linkmqtt.NewMetrics()
	err := linkmqtt.RunAT(ctx, linkmqtt.ATOptions{
		MQTT:    linkmqtt.MQTTOptions{Host: *host, Port: *port, QoS: *qos},
		Device:  pflag.Arg(0),
		Prefix:  *prefix,
		Options: options,
		Pollers: modem.Pollers{
			CSQ:   *pollCSQ,
			CREG:  *pollCREG,
			CGREG: *pollCGREG,
			COPS:  *pollCOPS,
			CNTI:  *pollCNTI,
		},
		Logger:  log,
		Metrics: metrics,
	})

	snap := metrics.Snapshot()
	log.Infof("session: %d commands, %d timeouts, %d publishes (%d suppressed)",
		snap.CommandsEnqueued, snap.CommandTimeouts, snap.PublishesSent, snap.PublishesSuppressed)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
