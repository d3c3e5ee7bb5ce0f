package clock

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	cases := []struct {
		in   string
		want TimeOfDay
	}{
		{"08:30", TimeOfDay{8, 30, 0}},
		{" 8:05 ", TimeOfDay{8, 5, 0}},
		{"10:05:42", TimeOfDay{10, 5, 42}},
		{"2024-03-11T08:35:00Z", TimeOfDay{8, 35, 0}},
		{"2024-03-11T08:35:00+05:00", TimeOfDay{8, 35, 0}},
		{"2024-03-11 07:59:59", TimeOfDay{7, 59, 59}},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseTimeOfDayMalformed(t *testing.T) {
	for _, in := range []string{"", "  ", "8.30", "25:00", "noon", "08:61", "2024-13-01 08:00:00"} {
		if _, err := ParseTimeOfDay(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("%q: err = %v, want ErrMalformed", in, err)
		}
	}
}

func TestParseTimestampAnchorsClockOnDay(t *testing.T) {
	loc := time.FixedZone("UZT", 5*3600)
	day := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)

	got, err := ParseTimestamp("08:35", day, loc)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 3, 11, 8, 35, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}

	if _, err := ParseTimestamp("08:35", time.Time{}, loc); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed without a day, got %v", err)
	}
}

func TestParseTimestampZoneless(t *testing.T) {
	loc := time.FixedZone("UZT", 5*3600)
	got, err := ParseTimestamp("2024-03-11 08:35:00", time.Time{}, loc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hour() != 8 || got.Location() != loc {
		t.Fatalf("got %s", got)
	}
}

func TestHumanize(t *testing.T) {
	cases := map[int]string{
		0:   "0 daqiqa",
		5:   "5 daqiqa",
		59:  "59 daqiqa",
		60:  "1 soat 0 daqiqa",
		95:  "1 soat 35 daqiqa",
		125: "2 soat 5 daqiqa",
		-3:  "0 daqiqa",
	}
	for in, want := range cases {
		if got := Humanize(in); got != want {
			t.Errorf("Humanize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestSameDay(t *testing.T) {
	loc := time.FixedZone("UZT", 5*3600)
	a := time.Date(2024, 3, 11, 20, 0, 0, 0, time.UTC) // 01:00 next day in UZT
	b := time.Date(2024, 3, 12, 9, 0, 0, 0, loc)
	if !SameDay(a, b, loc) {
		t.Fatal("expected same day in UZT")
	}
	if SameDay(a, b, time.UTC) {
		t.Fatal("expected different days in UTC")
	}
}

func TestAtRejectsOutOfRange(t *testing.T) {
	if _, err := At(24, 0); err == nil {
		t.Fatal("expected error")
	}
	if MustAt(8, 30).Minutes() != 510 {
		t.Fatal("08:30 should be 510 minutes")
	}
}
