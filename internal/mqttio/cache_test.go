package mqttio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/modemlink/linkmqtt/internal/logging"
)

type pubCall struct {
	topic    string
	payload  string
	retained bool
}

type recordingPub struct {
	calls []pubCall
}

func (r *recordingPub) Publish(topic, payload string, retained bool) error {
	r.calls = append(r.calls, pubCall{topic, payload, retained})
	return nil
}

func newTestCache() (*Cache, *recordingPub) {
	pub := &recordingPub{}
	log := logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
	return NewCache(pub, log, nil), pub
}

func TestPublishOnChange(t *testing.T) {
	c, pub := newTestCache()

	c.Publish("net/wlan0/ssid", "Home")
	c.Publish("net/wlan0/ssid", "Home")
	c.Publish("net/wlan0/ssid", "Work")

	assert.Equal(t, []pubCall{
		{"net/wlan0/ssid", "Home", true},
		{"net/wlan0/ssid", "Work", true},
	}, pub.calls)
	assert.Equal(t, "Work", c.Get("net/wlan0/ssid"))
}

func TestPublishRawBypassesCache(t *testing.T) {
	c, pub := newTestCache()

	c.PublishRaw("gsm/raw/at", "+CSQ: 17,2")
	c.PublishRaw("gsm/raw/at", "+CSQ: 17,2")

	assert.Len(t, pub.calls, 2)
	assert.False(t, pub.calls[0].retained)
	assert.Equal(t, "", c.Get("gsm/raw/at"))
}

func TestClearPublishesEmptyOnce(t *testing.T) {
	c, pub := newTestCache()

	c.Publish("gsm/rssi", "-79")
	c.Clear("gsm/rssi")
	c.Clear("gsm/rssi")

	assert.Equal(t, []pubCall{
		{"gsm/rssi", "-79", true},
		{"gsm/rssi", "", true},
	}, pub.calls)
}

func TestClearPrefix(t *testing.T) {
	c, pub := newTestCache()

	c.Publish("net/wlan0/bss/aa:bb:cc:dd:ee:ff/ssid", "MyAP")
	c.Publish("net/wlan0/bss/aa:bb:cc:dd:ee:ff/level", "-55")
	c.Publish("net/wlan0/ssid", "Home")

	pub.calls = nil
	c.ClearPrefix("net/wlan0/bss/aa:bb:cc:dd:ee:ff/")

	assert.Len(t, pub.calls, 2)
	for _, call := range pub.calls {
		assert.Equal(t, "", call.payload)
	}
	assert.Equal(t, "Home", c.Get("net/wlan0/ssid"), "unrelated topics untouched")
}

func TestDrainClearsOnlyNonEmpty(t *testing.T) {
	c, pub := newTestCache()

	c.Publish("gsm/rssi", "-79")
	c.Publish("gsm/op", "TestNet")
	c.Publish("gsm/ber", "")

	pub.calls = nil
	c.Drain()

	assert.Len(t, pub.calls, 2, "already-empty topics need no clearing publish")
	for _, call := range pub.calls {
		assert.Equal(t, "", call.payload)
		assert.True(t, call.retained)
	}
}

// The cache must always equal the last payload handed to the publisher.
func TestCacheMirrorsBroker(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c, pub := newTestCache()
		last := make(map[string]string)

		n := rapid.IntRange(1, 50).Draw(t, "ops")
		for i := 0; i < n; i++ {
			topic := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(t, "topic")
			val := rapid.SampledFrom([]string{"", "1", "2"}).Draw(t, "val")
			c.Publish(topic, val)
		}
		for _, call := range pub.calls {
			last[call.topic] = call.payload
		}
		for topic, want := range last {
			if c.Get(topic) != want {
				t.Fatalf("cache for %s is %q, broker saw %q", topic, c.Get(topic), want)
			}
		}
	})
}

func TestDefaultQoS(t *testing.T) {
	assert.Equal(t, byte(0), DefaultQoS("localhost"))
	assert.Equal(t, byte(0), DefaultQoS("127.0.0.1"))
	assert.Equal(t, byte(0), DefaultQoS("::1"))
	assert.Equal(t, byte(1), DefaultQoS("broker.example.net"))
	assert.Equal(t, byte(1), DefaultQoS("192.168.1.10"))
}
