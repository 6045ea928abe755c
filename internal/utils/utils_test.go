package utils

import "testing"

func TestHex(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"BytesToHex", BytesToHex([]byte{0x85, 0x6f, 0x00}), "856F00"},
		{"BytesToHex empty", BytesToHex(nil), ""},
		{"DashHex", DashHex([]byte{0x2b, 0x7e, 0x15}), "2b-7e-15"},
		{"DashHex single", DashHex([]byte{0x0A}), "0a"},
		{"DashHex empty", DashHex(nil), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q; want %q", tt.got, tt.want)
			}
		})
	}
}
