package main

import "testing"

func TestConfigValidateDefaults(t *testing.T) {
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestConfigValidateRejectsBadPort(t *testing.T) {
	c := DefaultConfig()
	c.Port = 70000
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for out-of-range port")
	}
}

func TestConfigValidateRejectsUnknownNetwork(t *testing.T) {
	c := DefaultConfig()
	c.Network = "bogus"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown network profile")
	}
}

func TestConfigValidateRejectsUnknownStorage(t *testing.T) {
	c := DefaultConfig()
	c.Storage = "bogus"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown storage mode")
	}
}

func TestConfigValidateRejectsSingleThreadedStoreWithThreadedNetwork(t *testing.T) {
	c := DefaultConfig()
	c.Network = "mt_block"
	c.Storage = "st_lru"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error pairing st_lru with mt_block")
	}
}

func TestConfigValidateRejectsBadLogLevel(t *testing.T) {
	c := DefaultConfig()
	c.LogLevel = "verbose"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown log level")
	}
}
