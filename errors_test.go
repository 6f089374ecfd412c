package linkmqtt

import (
	"errors"
	"syscall"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("dial", ErrCodeBrokerLost, "connection refused")

	if err.Op != "dial" {
		t.Errorf("Expected Op=dial, got %s", err.Op)
	}
	if err.Code != ErrCodeBrokerLost {
		t.Errorf("Expected Code=ErrCodeBrokerLost, got %s", err.Code)
	}

	expected := "linkmqtt: connection refused (op=dial)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorMessageDefaultsToCode(t *testing.T) {
	err := &Error{Code: ErrCodeTransportLost}
	if err.Error() != "linkmqtt: transport lost" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestWrapErrorKeepsErrno(t *testing.T) {
	err := WrapError("open", ErrCodeTransportLost, syscall.ENOENT)
	if err.Errno != syscall.ENOENT {
		t.Errorf("Expected Errno=ENOENT, got %v", err.Errno)
	}
	if !errors.Is(err, syscall.ENOENT) {
		t.Error("wrapped errno should satisfy errors.Is")
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("run", ErrCodeTransportLost, nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestIsCode(t *testing.T) {
	err := WrapError("run", ErrCodeTransportLost, errors.New("read: EOF"))

	if !IsCode(err, ErrCodeTransportLost) {
		t.Error("IsCode should match the wrapped code")
	}
	if IsCode(err, ErrCodeBrokerLost) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), ErrCodeTransportLost) {
		t.Error("IsCode matched a non-structured error")
	}
}

func TestErrorsIsByCode(t *testing.T) {
	err := NewError("run", ErrCodeTimeout, "no reply")
	if !errors.Is(err, &Error{Code: ErrCodeTimeout}) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(err, &Error{Code: ErrCodeClosed}) {
		t.Error("errors.Is matched the wrong code")
	}
}

func TestWrapTopicError(t *testing.T) {
	err := WrapTopicError("subscribe", "net/wlan0/ssid/+", ErrCodeBrokerLost, errors.New("not connected"))

	if err.Topic != "net/wlan0/ssid/+" {
		t.Errorf("Expected Topic=net/wlan0/ssid/+, got %s", err.Topic)
	}
	expected := "linkmqtt: not connected (op=subscribe topic=net/wlan0/ssid/+)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
	if WrapTopicError("subscribe", "t", ErrCodeBrokerLost, nil) != nil {
		t.Error("wrapping nil should return nil")
	}
}
