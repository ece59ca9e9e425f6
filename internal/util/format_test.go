package util

import "testing"

func TestFormatBitsPerSecond(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{0, "0.00 bps"},
		{950, "950 bps"},
		{12_500, "12.5 Kbps"},
		{104_300_000, "104 Mbps"},
		{2_400_000_000, "2.40 Gbps"},
		{-5, "0"},
	}
	for _, tc := range cases {
		if got := FormatBitsPerSecond(tc.in); got != tc.want {
			t.Fatalf("FormatBitsPerSecond(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	if got := FormatBytes(1_500_000); got != "1.50 MB" {
		t.Fatalf("FormatBytes(1.5e6) = %q, want %q", got, "1.50 MB")
	}
}

func TestFormatMilliseconds(t *testing.T) {
	if got := FormatMilliseconds(nil); got != "n/a" {
		t.Fatalf("FormatMilliseconds(nil) = %q, want n/a", got)
	}
	v := 12.345
	if got := FormatMilliseconds(&v); got != "12.35 ms" {
		t.Fatalf("FormatMilliseconds(12.345) = %q, want %q", got, "12.35 ms")
	}
}
