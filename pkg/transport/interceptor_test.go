package transport

import (
	"testing"
)

func TestIsExchangeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"/brine.Transport/Exchange", true},
		{"/brine.Transport/Other", false},
		{"/other.Service/Exchange", false},
		{"brine.Transport/Exchange", false},
		{"/brine.Transport/Exchange/extra", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := isExchangeMethod(tt.method); got != tt.want {
				t.Errorf("isExchangeMethod(%q) = %v, want %v", tt.method, got, tt.want)
			}
		})
	}
}
