package logger

import "testing"

func TestSanitizeKVsRedactsSensitiveKeys(t *testing.T) {
	got := sanitizeKVs([]interface{}{
		"visitor_email", "a@example.com",
		"room_id", "r1",
		"Authorization", "Bearer abc",
		"dangling",
	})
	want := []interface{}{
		"visitor_email", "[REDACTED]",
		"room_id", "r1",
		"Authorization", "[REDACTED]",
		"dangling",
	}
	if len(got) != len(want) {
		t.Fatalf("len: want=%d got=%d (%v)", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: want=%v got=%v", i, want[i], got[i])
		}
	}
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	log := NewNop().With("service", "test")
	log.Info("hello", "k", "v")
	log.Sync()
}
