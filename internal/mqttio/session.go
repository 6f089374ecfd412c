package mqttio

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/modemlink/linkmqtt/internal/interfaces"
)

const connectTimeout = 10 * time.Second

// Config describes the broker session.
type Config struct {
	Host     string
	Port     int
	ClientID string
	// QoS for retained state publishes. Use DefaultQoS to pick by host.
	QoS    byte
	Logger interfaces.Logger
}

// DefaultQoS returns 0 for a broker on the same machine and 1 otherwise.
// Against localhost the TCP stack already guarantees ordering and delivery;
// over a network QoS 1 keeps retained state from silently going missing.
func DefaultQoS(host string) byte {
	if host == "localhost" || host == "::1" {
		return 0
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return 0
	}
	return 1
}

// Session is a connected MQTT client. Publish is safe from the core loop;
// inbound messages arrive on paho's callback goroutine and must be funneled
// to the core via Core.Post by the subscriber.
type Session struct {
	client   mqtt.Client
	qos      byte
	log      interfaces.Logger
	lost     chan struct{}
	lostOnce sync.Once
	lostErr  atomic.Value
}

// Dial connects to the broker. The connection does not auto-reconnect: a
// lost broker ends the bridge (there is nobody left to publish to).
func Dial(cfg Config) (*Session, error) {
	s := &Session{
		qos:  cfg.QoS,
		log:  cfg.Logger,
		lost: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(true).
		SetKeepAlive(30 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.lostOnce.Do(func() {
				if s.log != nil {
					s.log.Errorf("mqtt connection lost: %v", err)
				}
				s.lostErr.Store(err)
				close(s.lost)
			})
		})

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s:%d: timeout", cfg.Host, cfg.Port)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return s, nil
}

// Publish sends payload on topic at the session QoS.
func (s *Session) Publish(topic, payload string, retained bool) error {
	tok := s.client.Publish(topic, s.qos, retained, payload)
	if s.qos == 0 {
		return tok.Error()
	}
	tok.Wait()
	return tok.Error()
}

// Subscribe registers fn for every message matching filter.
func (s *Session) Subscribe(filter string, fn func(topic, payload string)) error {
	tok := s.client.Subscribe(filter, s.qos, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Topic(), string(msg.Payload()))
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	return nil
}

// Lost is closed if the broker connection goes away.
func (s *Session) Lost() <-chan struct{} {
	return s.lost
}

// LostErr returns the connection-lost error after Lost closes.
func (s *Session) LostErr() error {
	if err, ok := s.lostErr.Load().(error); ok {
		return err
	}
	return nil
}

// Close disconnects, allowing a short flush of outstanding messages.
func (s *Session) Close() {
	s.client.Disconnect(250)
}
