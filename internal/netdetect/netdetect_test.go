package netdetect

import (
	"errors"
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	ifaces := []Interface{
		{Name: "lo", Addresses: []string{"127.0.0.1", "::1"}, Loopback: true},
		{Name: "eth0", Addresses: []string{"10.0.0.2"}},
		{Name: "veth-right", Addresses: []string{"193.167.100.100"}},
	}
	route := func(target string) (string, error) {
		if target == "8.8.8.8" {
			return "eth0", nil
		}
		return "", errors.New("unreachable")
	}

	tests := []struct {
		target  string
		want    string
		wantErr string
	}{
		{target: "127.0.0.1", want: "lo"},
		{target: "193.167.100.100", want: "veth-right"},
		{target: "8.8.8.8", want: "eth0"},
		{target: "192.0.2.1", wantErr: "unreachable"},
		{target: "not-an-ip", wantErr: "invalid IP"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			got, err := detect(ifaces, tt.target, route)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("detect(%q) error = %v, want %q", tt.target, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("detect(%q) error = %v", tt.target, err)
			}
			if got != tt.want {
				t.Errorf("detect(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}

func TestDetectWithoutLoopback(t *testing.T) {
	_, err := detect([]Interface{{Name: "eth0"}}, "::1", nil)
	if err == nil {
		t.Fatal("expected error without a loopback interface")
	}
}

func TestNames(t *testing.T) {
	if got := names(nil); got != "none" {
		t.Errorf("names(nil) = %q", got)
	}
	if got := names([]Interface{{Name: "lo"}, {Name: "eth0"}}); got != "lo, eth0" {
		t.Errorf("names() = %q", got)
	}
}
