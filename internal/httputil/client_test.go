package httputil

import (
	"testing"
	"time"
)

func TestNewClientAppliesConfig(t *testing.T) {
	cfg := ClientConfig{
		Timeout:               60 * time.Second,
		DialTimeout:           5 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       45 * time.Second,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   5,
	}

	client := NewClient(cfg)
	if client.Timeout != cfg.Timeout {
		t.Errorf("client.Timeout = %v, want %v", client.Timeout, cfg.Timeout)
	}
}

func TestProviderClientTimeout(t *testing.T) {
	client := ProviderClient(42 * time.Second)
	if client.Timeout != 42*time.Second {
		t.Errorf("client.Timeout = %v, want 42s", client.Timeout)
	}

	client = ProviderClient(0)
	if client.Timeout != DefaultConfig().Timeout {
		t.Errorf("zero timeout should keep the default, got %v", client.Timeout)
	}
}
