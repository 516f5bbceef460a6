package redis

import "testing"

func TestKeyNamespacing(t *testing.T) {
	tests := []struct {
		prefix string
		parts  []string
		want   string
	}{
		{"kolboard", []string{"lock", "snapshot:daily"}, "kolboard:lock:snapshot:daily"},
		{"", []string{"price", "native"}, "price:native"},
		{"kb", nil, "kb"},
	}
	for _, tc := range tests {
		c := &Client{prefix: tc.prefix}
		if got := c.key(tc.parts...); got != tc.want {
			t.Fatalf("key(%q, %v)=%q want %q", tc.prefix, tc.parts, got, tc.want)
		}
	}
}
