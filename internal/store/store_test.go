package store

import "testing"

func TestRoomEventRoundTrip(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.InsertRoomEvent("abc123", "room_created", ""); err != nil {
		t.Fatalf("InsertRoomEvent: %v", err)
	}
	if err := s.InsertRoomEvent("abc123", "user_joined", "id=1"); err != nil {
		t.Fatalf("InsertRoomEvent: %v", err)
	}

	events, err := s.GetRoomEvents("abc123", 10)
	if err != nil {
		t.Fatalf("GetRoomEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	// Most recent first.
	if events[0].Kind != "user_joined" {
		t.Fatalf("events[0].Kind = %q, want user_joined", events[0].Kind)
	}
}

func TestLatencySampleRoundTrip(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.InsertLatencySample("room1", 1, 0.042); err != nil {
		t.Fatalf("InsertLatencySample: %v", err)
	}
	samples, err := s.GetRecentLatencySamples("room1", 10)
	if err != nil {
		t.Fatalf("GetRecentLatencySamples: %v", err)
	}
	if len(samples) != 1 || samples[0].MedianRTTS != 0.042 {
		t.Fatalf("got %+v", samples)
	}
}

func TestRoomEventCount(t *testing.T) {
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.InsertRoomEvent("r1", "room_created", "")
	s.InsertRoomEvent("r2", "room_created", "")

	n, err := s.RoomEventCount()
	if err != nil {
		t.Fatalf("RoomEventCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
