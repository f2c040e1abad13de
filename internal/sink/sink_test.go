package sink

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &mockSink{}
	bad := &mockSink{err: boom}

	err := Multi{bad, ok}.Publish(context.Background(), DeviceInfo{Device: "x"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if ok.count() != 1 {
		t.Error("healthy sink skipped after a failing one")
	}
}

func TestMultiNoErrors(t *testing.T) {
	if err := (Multi{&mockSink{}, Discard{}}).Publish(context.Background(), DeviceInfo{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestMessageKinds(t *testing.T) {
	tests := []struct {
		msg  Message
		want string
	}{
		{DeviceInfo{}, "device"},
		{ReadingMessage{}, "reading"},
		{Location{}, "location"},
	}
	for _, tt := range tests {
		if got := tt.msg.Kind(); got != tt.want {
			t.Errorf("%T.Kind() = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestLocationReporterPublishesImmediatelyAndOnTick(t *testing.T) {
	s := &mockSink{}
	r := NewLocationReporter(s, 52.5, 13.4, "ops@example.com", 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.count() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d reports, want at least 3", s.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}

	s.mu.Lock()
	loc, ok := s.msgs[0].(Location)
	s.mu.Unlock()
	if !ok {
		t.Fatalf("first message is %T, want Location", s.msgs[0])
	}
	if loc.Action != "location" || loc.Lat != 52.5 || loc.Lon != 13.4 || loc.Email != "ops@example.com" {
		t.Errorf("location = %+v", loc)
	}
}

func TestLocationReporterSurvivesFailures(t *testing.T) {
	s := &mockSink{err: ErrPublish}
	r := NewLocationReporter(s, 0, 0, "", 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.count() < 2 {
		t.Errorf("got %d attempts, want reporting to continue after failures", s.count())
	}
}

func TestNewLocationReporterDefaultInterval(t *testing.T) {
	r := NewLocationReporter(Discard{}, 0, 0, "", 0)
	if r.interval != time.Minute {
		t.Errorf("interval = %v, want 1m", r.interval)
	}
}
