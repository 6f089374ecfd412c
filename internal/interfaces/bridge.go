// Package interfaces provides internal interface definitions for linkmqtt.
// These are separate from the public interfaces to avoid circular imports
// between the main package and internal packages.
package interfaces

// Transport is a byte-oriented connection to a modem tty or a supplicant
// control socket. Reads and writes are non-blocking; callers multiplex on
// the record channel fed by the reader, not on Fd directly.
type Transport interface {
	// ReadChunk reads whatever is available into p.
	ReadChunk(p []byte) (int, error)
	// WriteAll writes the whole command, including any protocol framing.
	// A short write is an error.
	WriteAll(line string) error
	Fd() int
	Close() error
}

// Publisher is the outbound half of an MQTT session.
type Publisher interface {
	// Publish sends payload on topic. Retained and non-retained publishes
	// both carry the session QoS.
	Publish(topic, payload string, retained bool) error
}

// Logger interface for optional logging.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer interface for metrics collection.
// Implementations must be thread-safe; methods are called from the core loop.
type Observer interface {
	ObserveCommand(queued bool)
	ObserveCompletion(ok bool)
	ObserveTimeout()
	ObserveURC(known bool)
	ObservePublish(sent bool)
	ObserveIngress()
	ObserveWriteRetry()
}
