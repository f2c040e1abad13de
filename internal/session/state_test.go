package session

import (
	"errors"
	"testing"
	"time"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
	}{
		{Idle, EventStartDiscovery, Discovering},
		{Discovering, EventStopDiscovery, Idle},
		{Discovering, EventSelect, Connecting},
		{Connecting, EventConnectFailed, Failed},
		{Connecting, EventConnected, Negotiating},
		{Negotiating, EventNegotiationFailed, Failed},
		{Negotiating, EventChannelReady, Active},
		{Active, EventDisconnect, Disconnecting},
		{Active, EventConnectionLost, Failed},
		{Disconnecting, EventReleased, Idle},
		{Failed, EventAcknowledge, Idle},
		{Failed, EventDisconnect, Idle},
	}
	for _, tt := range tests {
		got, err := transition(tt.from, tt.ev)
		if err != nil {
			t.Errorf("transition(%s, %s) error = %v", tt.from, tt.ev, err)
			continue
		}
		if got != tt.want {
			t.Errorf("transition(%s, %s) = %s, want %s", tt.from, tt.ev, got, tt.want)
		}
	}
}

func TestTransitionInvalid(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
	}{
		{Idle, EventSelect},
		{Idle, EventStopDiscovery},
		{Discovering, EventStartDiscovery},
		{Active, EventSelect},
		{Active, EventStartDiscovery},
		{Disconnecting, EventDisconnect},
		{Failed, EventStartDiscovery},
	}
	for _, tt := range tests {
		got, err := transition(tt.from, tt.ev)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("transition(%s, %s) error = %v, want ErrInvalidTransition", tt.from, tt.ev, err)
		}
		if got != tt.from {
			t.Errorf("transition(%s, %s) moved to %s", tt.from, tt.ev, got)
		}
	}
}

func TestReadingLogLimit(t *testing.T) {
	l := NewReadingLog(2)
	for _, s := range []string{"a", "b", "c"} {
		l.Append(Reading{Text: s, Timestamp: time.Now()})
	}
	got := l.Newest()
	if len(got) != 2 || got[0].Text != "c" || got[1].Text != "b" {
		t.Errorf("Newest() = %+v, want [c b]", got)
	}

	l.Clear()
	if l.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", l.Len())
	}
}
