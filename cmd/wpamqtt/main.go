// wpamqtt bridges a wpa_supplicant control socket to an MQTT broker.
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
)

func main() {
	var (
		host       = pflag.StringP("host", "h", "localhost", "MQTT broker host")
		port       = pflag.IntP("port", "p", 1883, "MQTT broker port")
		qos        = pflag.Int("qos", -1, "MQTT QoS for retained state (-1 = auto)")
		verbose    = pflag.CountP("verbose", "v", "increase verbosity")
		signalPoll = pflag.Duration("signal-poll", 5*time.Second, "link-quality poll period (0 = off)")
		noPlainPSK = pflag.Bool("no-plain-psk", false, "derive PSKs instead of storing plaintext passphrases")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] <iface>\n\noptions:\n%s",
			os.Args[0], pflag.CommandLine.FlagUsages())
	}
	pflag.Parse()

	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}
	iface := pflag.Arg(0)

	level := logging.LevelInfo
	if *verbose > 0 {
		level = logging.LevelDebug
	}
	log := logging.NewLogger(&logging.Config{Level: level, Prefix: "wpamqtt"})
	logging.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := linkmqtt.NewMetrics()
	err := linkmqtt.RunWifi(ctx, linkmqtt.WifiOptions{
		MQTT:       linkmqtt.MQTTOptions{Host: *host, Port: *port, QoS: *qos},
		Iface:      iface,
		NoPlainPSK: *noPlainPSK,
		SignalPoll: *signalPoll,
		Logger:     log,
		Metrics:    metrics,
	})

	snap := metrics.Snapshot()
	log.Infof("session: %d commands, %d timeouts, %d publishes (%d suppressed)",
		snap.CommandsEnqueued, snap.CommandTimeouts, snap.PublishesSent, snap.PublishesSuppressed)

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}
