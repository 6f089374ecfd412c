// Package mqttio owns the MQTT side of a bridge: the broker session, the
// publish-on-change caches behind every retained topic, and the self-sync
// barrier that makes shutdown ordering observable.
package mqttio

import (
	"strings"

	"github.com/modemlink/linkmqtt/internal/interfaces"
)

// Cache is the retained-topic state store. Every derived property has a
// string cache of the last payload the broker received; a publish happens
// only when the value changes, so the cache always mirrors broker state
// for the session.
type Cache struct {
	pub  interfaces.Publisher
	obs  interfaces.Observer
	log  interfaces.Logger
	vals map[string]string
}

// NewCache creates an empty cache publishing through pub.
func NewCache(pub interfaces.Publisher, log interfaces.Logger, obs interfaces.Observer) *Cache {
	return &Cache{pub: pub, obs: obs, log: log, vals: make(map[string]string)}
}

// Publish sends payload retained on topic unless the cache already holds
// it.
func (c *Cache) Publish(topic, payload string) {
	if cached, ok := c.vals[topic]; ok && cached == payload {
		if c.obs != nil {
			c.obs.ObservePublish(false)
		}
		return
	}
	c.vals[topic] = payload
	if c.obs != nil {
		c.obs.ObservePublish(true)
	}
	if err := c.pub.Publish(topic, payload, true); err != nil {
		c.log.Errorf("publish %s: %v", topic, err)
	}
}

// PublishRaw sends payload non-retained, bypassing the cache. Used for the
// raw/fail/warn diagnostics and scan dumps.
func (c *Cache) PublishRaw(topic, payload string) {
	if c.obs != nil {
		c.obs.ObservePublish(true)
	}
	if err := c.pub.Publish(topic, payload, false); err != nil {
		c.log.Errorf("publish %s: %v", topic, err)
	}
}

// Get returns the cached payload for topic.
func (c *Cache) Get(topic string) string {
	return c.vals[topic]
}

// Clear publishes the empty payload on topic unless the cache already
// holds the empty payload for it, erasing the broker's retained value. A
// topic never published in this session is cleared too.
func (c *Cache) Clear(topic string) {
	c.Publish(topic, "")
}

// ClearPrefix clears every cached topic under prefix. Used when a BSS
// disappears or the SIM is pulled.
func (c *Cache) ClearPrefix(prefix string) {
	for topic := range c.vals {
		if strings.HasPrefix(topic, prefix) {
			c.Clear(topic)
		}
	}
}

// Drain publishes the empty payload to every topic with a non-empty cache.
// Called once on the clean-shutdown path; the self-sync barrier afterwards
// guarantees the broker saw all of it.
func (c *Cache) Drain() {
	for topic, val := range c.vals {
		if val != "" {
			c.Clear(topic)
		}
	}
}
