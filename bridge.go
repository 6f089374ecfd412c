package linkmqtt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/modemlink/linkmqtt/internal/core"
	"github.com/modemlink/linkmqtt/internal/interfaces"
	"github.com/modemlink/linkmqtt/internal/logging"
	"github.com/modemlink/linkmqtt/internal/modem"
	"github.com/modemlink/linkmqtt/internal/mqttio"
	"github.com/modemlink/linkmqtt/internal/parse"
	"github.com/modemlink/linkmqtt/internal/transport"
	"github.com/modemlink/linkmqtt/internal/wifi"
)

const drainTimeout = 10 * time.Second

// MQTTOptions selects the broker session shared by both bridge kinds.
type MQTTOptions struct {
	Host string
	Port int
	// QoS below zero selects automatically: 0 against localhost, 1
	// otherwise.
	QoS int
}

func (o MQTTOptions) sessionConfig(clientID string, log interfaces.Logger) mqttio.Config {
	host := o.Host
	if host == "" {
		host = "localhost"
	}
	port := o.Port
	if port == 0 {
		port = 1883
	}
	qos := byte(0)
	if o.QoS >= 0 {
		qos = byte(o.QoS)
	} else {
		qos = mqttio.DefaultQoS(host)
	}
	return mqttio.Config{Host: host, Port: port, ClientID: clientID, QoS: qos, Logger: log}
}

// ATOptions configures a modem bridge instance.
type ATOptions struct {
	MQTT MQTTOptions
	// Device is the modem tty, e.g. /dev/ttyUSB2.
	Device string
	// Prefix is the topic root; defaults to "gsm".
	Prefix  string
	Options modem.Option
	Pollers modem.Pollers
	Logger  *logging.Logger
	Metrics *Metrics
}

// WifiOptions configures a supplicant bridge instance.
type WifiOptions struct {
	MQTT       MQTTOptions
	Iface      string
	NoPlainPSK bool
	SignalPoll time.Duration
	Logger     *logging.Logger
	Metrics    *Metrics
}

// bridge is what both instantiations share once wired: a dispatcher, its
// ingress routes and its startup hook.
type bridge interface {
	Start()
	Subscriptions() []string
	HandleMessage(topic, payload string)
}

// RunAT runs the modem bridge until ctx is cancelled or a fatal error.
func RunAT(ctx context.Context, opts ATOptions) error {
	if opts.Device == "" {
		return NewError("run", ErrCodeConfig, "modem device path required")
	}
	if opts.Prefix == "" {
		opts.Prefix = "gsm"
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	tr, err := transport.OpenTTY(opts.Device)
	if err != nil {
		return WrapError("open", ErrCodeTransportLost, err)
	}

	clientID := fmt.Sprintf("atmqtt-%d", os.Getpid())
	return run(ctx, log, opts.Metrics, tr, clientID, modem.Profile(),
		func(c *core.Core, cache *mqttio.Cache) bridge {
			return modem.New(c, cache, modem.Config{
				Prefix:  opts.Prefix,
				Options: opts.Options,
				Pollers: opts.Pollers,
			}, log)
		}, opts.MQTT)
}

// RunWifi runs the supplicant bridge until ctx is cancelled or a fatal
// error.
func RunWifi(ctx context.Context, opts WifiOptions) error {
	if opts.Iface == "" {
		return NewError("run", ErrCodeConfig, "wireless interface required")
	}
	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}

	tr, err := transport.OpenUnixgram(opts.Iface)
	if err != nil {
		return WrapError("open", ErrCodeTransportLost, err)
	}

	clientID := fmt.Sprintf("wpamqtt-%s-%d", opts.Iface, os.Getpid())
	return run(ctx, log, opts.Metrics, tr, clientID, wifi.Profile(),
		func(c *core.Core, cache *mqttio.Cache) bridge {
			return wifi.New(c, cache, wifi.Config{
				Iface:      opts.Iface,
				NoPlainPSK: opts.NoPlainPSK,
				SignalPoll: opts.SignalPoll,
			}, log)
		}, opts.MQTT)
}

// run is the shared lifecycle: dial the broker, wire the dispatcher,
// subscribe ingress, spin the core loop, then drain retained state and
// hold the self-sync barrier on the way out.
func run(ctx context.Context, log *logging.Logger, metrics *Metrics,
	tr interfaces.Transport, clientID string, profile core.Profile,
	build func(*core.Core, *mqttio.Cache) bridge, mqttOpts MQTTOptions) error {
	defer tr.Close()

	var obs interfaces.Observer
	if metrics != nil {
		obs = metrics
	}

	sess, err := mqttio.Dial(mqttOpts.sessionConfig(clientID, log))
	if err != nil {
		return WrapError("dial", ErrCodeBrokerLost, err)
	}
	defer sess.Close()

	c := core.New(tr, profile, log, obs)
	cache := mqttio.NewCache(sess, log, obs)
	b := build(c, cache)

	for _, filter := range b.Subscriptions() {
		filter := filter
		err := sess.Subscribe(filter, func(topic, payload string) {
			if metrics != nil {
				metrics.ObserveIngress()
			}
			c.Post(func() { b.HandleMessage(topic, payload) })
		})
		if err != nil {
			return WrapTopicError("subscribe", filter, ErrCodeBrokerLost, err)
		}
	}

	// Kick the initial command batch and pollers before the loop starts
	// consuming; the core is still single-owner here.
	b.Start()
	c.StartKeepalive()

	// A lost broker aborts the loop: with nobody to publish to there is
	// no point draining.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-sess.Lost():
			cancel()
		case <-watchDone:
		}
	}()

	runErr := c.Run(runCtx)
	close(watchDone)

	select {
	case <-sess.Lost():
		return WrapError("run", ErrCodeBrokerLost, sess.LostErr())
	default:
	}

	// Clean shutdown or transport loss: erase retained state and wait
	// for the broker to acknowledge it.
	log.Infof("draining retained topics")
	cache.Drain()
	if err := sess.SelfSync(drainTimeout); err != nil {
		log.Warnf("self-sync barrier failed: %v", err)
	}

	if runErr != nil {
		return wrapRunError(runErr)
	}
	return nil
}

// wrapRunError maps the core's loss reason onto the public error
// categories: a wedged writer, a closed peer and an exhausted timeout
// budget are distinguishable failures; a splitter overflow is a protocol
// invariant violation.
func wrapRunError(err error) *Error {
	code := ErrCodeTransportLost
	switch {
	case errors.Is(err, transport.ErrWedged):
		code = ErrCodeWriteAgain
	case errors.Is(err, transport.ErrClosedPeer):
		code = ErrCodeClosed
	case errors.Is(err, core.ErrTimeoutBudget):
		code = ErrCodeTimeout
	case errors.Is(err, parse.ErrBufferFull):
		code = ErrCodeInvariant
	}
	return WrapError("run", code, err)
}
