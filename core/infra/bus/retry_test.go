package bus

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

type fakeMsg struct {
	acks     int
	naks     int
	nakDelay time.Duration
	err      error
}

func (m *fakeMsg) Ack(...nats.AckOpt) error {
	m.acks++
	return m.err
}

func (m *fakeMsg) Nak(...nats.AckOpt) error {
	m.naks++
	return m.err
}

func (m *fakeMsg) NakWithDelay(d time.Duration, _ ...nats.AckOpt) error {
	m.naks++
	m.nakDelay = d
	return m.err
}

func TestRetryDelay(t *testing.T) {
	writeErr := errors.New("stdout closed")
	tests := []struct {
		name      string
		err       error
		wantDelay time.Duration
		wantRetry bool
	}{
		{name: "plain error", err: writeErr},
		{name: "nil", err: nil},
		{name: "retry", err: Retry(writeErr, time.Second), wantDelay: time.Second, wantRetry: true},
		{name: "negative delay", err: Retry(writeErr, -time.Second), wantRetry: true},
		{name: "wrapped", err: errors.Join(io.EOF, Retry(writeErr, 3*time.Second)), wantDelay: 3 * time.Second, wantRetry: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			delay, ok := RetryDelay(tc.err)
			if ok != tc.wantRetry || delay != tc.wantDelay {
				t.Fatalf("RetryDelay = %s %v, want %s %v", delay, ok, tc.wantDelay, tc.wantRetry)
			}
		})
	}
}

func TestRetryKeepsCause(t *testing.T) {
	writeErr := errors.New("stdout closed")
	err := Retry(writeErr, 2*time.Second)
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected cause to unwrap")
	}
	if !strings.Contains(err.Error(), "redeliver in 2s") || !strings.Contains(err.Error(), "stdout closed") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(Retry(nil, 0), errRetryRequested) {
		t.Fatalf("expected placeholder cause for nil error")
	}
}

func TestSettle(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		acks     int
		naks     int
		nakDelay time.Duration
	}{
		{name: "handled", acks: 1},
		{name: "failed", err: errors.New("bad event"), acks: 1},
		{name: "retry now", err: Retry(errors.New("busy"), 0), naks: 1},
		{name: "retry later", err: Retry(errors.New("busy"), 5*time.Second), naks: 1, nakDelay: 5 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := &fakeMsg{}
			if err := settle(msg, DefaultSubject, tc.err); err != nil {
				t.Fatalf("settle: %v", err)
			}
			if msg.acks != tc.acks || msg.naks != tc.naks || msg.nakDelay != tc.nakDelay {
				t.Fatalf("got acks=%d naks=%d delay=%s", msg.acks, msg.naks, msg.nakDelay)
			}
		})
	}

	msg := &fakeMsg{err: nats.ErrConnectionClosed}
	if err := settle(msg, DefaultSubject, nil); !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected ack error to surface, got %v", err)
	}
}

func TestDecodeEvents(t *testing.T) {
	var got []Event
	handler := decodeEvents(func(ev Event) error {
		got = append(got, ev)
		if ev.PackageID == "com.test.busy" {
			return Retry(errors.New("busy"), time.Second)
		}
		return nil
	})

	if err := handler([]byte("{not json")); err != nil {
		t.Fatalf("expected malformed payload dropped, got %v", err)
	}
	if err := handler([]byte(`{"id":"ev-1","type":"package.installed","package_id":"com.test.app"}`)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	err := handler([]byte(`{"id":"ev-2","type":"package.failed","package_id":"com.test.busy"}`))
	if _, ok := RetryDelay(err); !ok {
		t.Fatalf("expected retry to pass through, got %v", err)
	}
	if len(got) != 2 || got[0].Type != EventInstalled || got[1].ID != "ev-2" {
		t.Fatalf("unexpected decoded events %#v", got)
	}
}
