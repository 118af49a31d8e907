package dimona

import (
	"testing"
	"time"
)

func TestBackoffLadder(t *testing.T) {
	cases := []struct {
		age  time.Duration
		want time.Duration
	}{
		{0, time.Second},
		{30 * time.Second, time.Second},
		{31 * time.Second, time.Minute},
		{1200 * time.Second, time.Minute},
		{1201 * time.Second, time.Hour},
		{48 * time.Hour, time.Hour},
		{-time.Minute, time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(tc.age); got != tc.want {
			t.Fatalf("Backoff(%s) = %s, want %s", tc.age, got, tc.want)
		}
	}
}
