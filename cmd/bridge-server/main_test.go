package main

import "testing"

func TestEnvOrDefaultBool(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		defaultVal bool
		want       bool
	}{
		{"unset uses default", "", false, false},
		{"unset uses default true", "", true, true},
		{"explicit true", "true", false, true},
		{"explicit false", "false", true, false},
		{"numeric true", "1", false, true},
		{"garbage uses default", "yes please", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("BRIDGE_TEST_BOOL", tt.value)
			}
			if got := envOrDefaultBool("BRIDGE_TEST_BOOL", tt.defaultVal); got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
