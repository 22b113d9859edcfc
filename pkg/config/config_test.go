package config

import (
	"testing"

	"gopkg.in/yaml.v2"
)

func TestCapacityDefault(t *testing.T) {
	c := &Config{}
	if cap := c.Capacity(); cap != DefaultBufferCapacity {
		t.Fatalf("expected default capacity %d, got %d", DefaultBufferCapacity, cap)
	}
}

func TestCapacityOverride(t *testing.T) {
	n := 16
	c := &Config{BufferCapacity: &n}
	if cap := c.Capacity(); cap != 16 {
		t.Fatalf("expected capacity 16, got %d", cap)
	}
}

func TestCapacityRejectsNonPositive(t *testing.T) {
	n := -1
	c := &Config{BufferCapacity: &n}
	if cap := c.Capacity(); cap != DefaultBufferCapacity {
		t.Fatalf("expected default capacity for non-positive override, got %d", cap)
	}
}

func TestConfigUnmarshal(t *testing.T) {
	data := []byte("buffer-capacity: 128\noutput-dir: /tmp/traces\nshow-totals: true\n")
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if c.Capacity() != 128 {
		t.Errorf("expected capacity 128, got %d", c.Capacity())
	}
	if c.OutputDir != "/tmp/traces" {
		t.Errorf("expected output dir /tmp/traces, got %q", c.OutputDir)
	}
	if !c.ShowTotals {
		t.Errorf("expected show-totals to be true")
	}
}
