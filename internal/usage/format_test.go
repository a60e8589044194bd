package usage

import "testing"

func TestFormatPercentage(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0.42, "0.42%"},
		{4.2, "4.2%"},
		{42, "42%"},
		{100, "100%"},
	}
	for _, tc := range cases {
		if got := FormatPercentage(tc.in); got != tc.want {
			t.Errorf("FormatPercentage(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatDurationMs(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{250, "250ms"},
		{1500, "1.5s"},
		{90_000, "1.5m"},
		{5_400_000, "1.5h"},
	}
	for _, tc := range cases {
		if got := FormatDurationMs(tc.ms); got != tc.want {
			t.Errorf("FormatDurationMs(%d) = %q, want %q", tc.ms, got, tc.want)
		}
	}
}

func TestFormatHitRate(t *testing.T) {
	if got := FormatHitRate(0.5); got != "50%" {
		t.Errorf("FormatHitRate(0.5) = %q", got)
	}
}
