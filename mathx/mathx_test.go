package mathx

import "testing"

func TestRound(t *testing.T) {
	cases := []struct {
		in     float64
		places int
		want   float64
	}{
		{150.346, 2, 150.35},
		{-1.005, 1, -1.0},
		{-2.5, 0, -3},
		{160.6749, 3, 160.675},
		{1234, -2, 1200},
	}
	for _, c := range cases {
		if got := Round(c.in, c.places); got != c.want {
			t.Errorf("Round(%v, %d) = %v, want %v", c.in, c.places, got, c.want)
		}
	}
}
