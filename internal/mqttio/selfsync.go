package mqttio

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/xid"
)

// SelfSyncTopic is the shared barrier topic. Multiple bridges use it
// concurrently; each waits only for its own token.
const SelfSyncTopic = "tmp/selfsync"

// SelfSync publishes a process-unique token and blocks until the broker
// echoes it back, proving every publish queued before the token has been
// committed. Called after Drain on the clean-shutdown path.
func (s *Session) SelfSync(timeout time.Duration) error {
	token := fmt.Sprintf("%d-%d-%s", os.Getpid(), time.Now().Unix(), xid.New().String())

	echo := make(chan struct{}, 1)
	err := s.Subscribe(SelfSyncTopic, func(_, payload string) {
		if payload == token {
			select {
			case echo <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		return err
	}
	defer s.client.Unsubscribe(SelfSyncTopic)

	if err := s.Publish(SelfSyncTopic, token, false); err != nil {
		return err
	}

	select {
	case <-echo:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("self-sync: token not echoed within %s", timeout)
	}
}
