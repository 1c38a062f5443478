package types

import (
	"testing"
	"time"
)

func TestULID_StringRoundTrip(t *testing.T) {
	gen := NewULIDGenerator()

	for i := 0; i < 100; i++ {
		ulid, err := gen.Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}

		s := ulid.String()
		if len(s) != 26 {
			t.Fatalf("String() length = %d, want 26", len(s))
		}

		parsed, err := ParseULID(s)
		if err != nil {
			t.Fatalf("ParseULID(%q) failed: %v", s, err)
		}
		if parsed.Compare(ulid) != 0 {
			t.Errorf("round trip mismatch: got %v, want %v", parsed, ulid)
		}
	}
}

func TestULID_TimestampExtraction(t *testing.T) {
	gen := NewULIDGenerator()
	ts := time.UnixMilli(1700000000000)

	ulid, err := gen.GenerateWithTime(ts)
	if err != nil {
		t.Fatalf("GenerateWithTime failed: %v", err)
	}

	if got := ulid.Timestamp(); got != 1700000000000 {
		t.Errorf("Timestamp() = %d, want 1700000000000", got)
	}
	if !ulid.Time().Equal(ts) {
		t.Errorf("Time() = %v, want %v", ulid.Time(), ts)
	}
}

func TestULID_MonotonicWithinMillisecond(t *testing.T) {
	gen := NewULIDGenerator()
	ts := time.UnixMilli(1700000000000)

	var prev ULID
	for i := 0; i < 50; i++ {
		curr, err := gen.GenerateWithTime(ts)
		if err != nil {
			t.Fatalf("GenerateWithTime failed: %v", err)
		}
		if i > 0 && prev.Compare(curr) >= 0 {
			t.Fatalf("ULID %d not strictly greater than predecessor", i)
		}
		prev = curr
	}
}

func TestParseULID_InvalidLength(t *testing.T) {
	_, err := ParseULID("TOOSHORT")
	if err != ErrInvalidULIDLength {
		t.Errorf("expected ErrInvalidULIDLength, got %v", err)
	}
}

func TestParseULID_InvalidCharacter(t *testing.T) {
	_, err := ParseULID("0123456789ILOU0123456789IL")
	if err != ErrInvalidULIDCharacter {
		t.Errorf("expected ErrInvalidULIDCharacter, got %v", err)
	}
}
