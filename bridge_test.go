package linkmqtt

import (
	"fmt"
	"testing"

	"github.com/modemlink/linkmqtt/internal/core"
	"github.com/modemlink/linkmqtt/internal/parse"
	"github.com/modemlink/linkmqtt/internal/transport"
)

func TestWrapRunErrorCategories(t *testing.T) {
	wrap := func(cause error) error {
		return fmt.Errorf("%w: %w", core.ErrTransportLost, cause)
	}
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"wedged writer", wrap(transport.ErrWedged), ErrCodeWriteAgain},
		{"closed peer", wrap(transport.ErrClosedPeer), ErrCodeClosed},
		{"timeout budget", wrap(core.ErrTimeoutBudget), ErrCodeTimeout},
		{"splitter overflow", wrap(parse.ErrBufferFull), ErrCodeInvariant},
		{"plain loss", core.ErrTransportLost, ErrCodeTransportLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapRunError(tt.err)
			if got.Code != tt.want {
				t.Errorf("wrapRunError(%v).Code = %s, want %s", tt.err, got.Code, tt.want)
			}
			if !IsCode(got, tt.want) {
				t.Errorf("IsCode should match %s", tt.want)
			}
		})
	}
}

func TestMQTTOptionsSessionConfig(t *testing.T) {
	cfg := MQTTOptions{QoS: -1}.sessionConfig("test-1", nil)
	if cfg.Host != "localhost" || cfg.Port != 1883 {
		t.Errorf("defaults = %s:%d, want localhost:1883", cfg.Host, cfg.Port)
	}
	if cfg.QoS != 0 {
		t.Errorf("auto QoS against localhost = %d, want 0", cfg.QoS)
	}

	cfg = MQTTOptions{Host: "broker.lan", QoS: -1}.sessionConfig("test-2", nil)
	if cfg.QoS != 1 {
		t.Errorf("auto QoS against remote = %d, want 1", cfg.QoS)
	}

	cfg = MQTTOptions{Host: "broker.lan", QoS: 0}.sessionConfig("test-3", nil)
	if cfg.QoS != 0 {
		t.Errorf("explicit QoS override = %d, want 0", cfg.QoS)
	}
}
