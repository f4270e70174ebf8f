package sphynx

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestUnmarshalEnvDefaults(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv(nil); err != nil {
		t.Fatal(err)
	}
	if c.Addr != netip.MustParseAddrPort("[::]:0") {
		t.Fatalf("Addr = %v, want [::]:0", c.Addr)
	}
	if c.KeyPath != "sphynx" {
		t.Fatalf("KeyPath = %q, want %q", c.KeyPath, "sphynx")
	}
	if c.MaxConnections != 4096 {
		t.Fatalf("MaxConnections = %d, want 4096", c.MaxConnections)
	}
	if c.FloodThreshold != 16 {
		t.Fatalf("FloodThreshold = %d, want 16", c.FloodThreshold)
	}
	if c.Workers != 4 {
		t.Fatalf("Workers = %d, want 4", c.Workers)
	}
	if c.LogLevel != zerolog.InfoLevel {
		t.Fatalf("LogLevel = %v, want info", c.LogLevel)
	}
	if !c.LogStdout || !c.LogStdoutPretty {
		t.Fatal("LogStdout and LogStdoutPretty should default true")
	}
	if c.WorkerTickInterval != 20*time.Millisecond {
		t.Fatalf("WorkerTickInterval = %v, want 20ms", c.WorkerTickInterval)
	}
	if c.HandshakeTickInterval != 100*time.Millisecond {
		t.Fatalf("HandshakeTickInterval = %v, want 100ms", c.HandshakeTickInterval)
	}
	if c.InitialHelloPost != 200*time.Millisecond {
		t.Fatalf("InitialHelloPost = %v, want 200ms", c.InitialHelloPost)
	}
	if c.ConnectTimeout != 6*time.Second {
		t.Fatalf("ConnectTimeout = %v, want 6s", c.ConnectTimeout)
	}
	if c.MTUProbeInterval != 8*time.Second {
		t.Fatalf("MTUProbeInterval = %v, want 8s", c.MTUProbeInterval)
	}
	if c.SilenceLimit != 4357*time.Millisecond {
		t.Fatalf("SilenceLimit = %v, want 4357ms", c.SilenceLimit)
	}
	if c.SilenceTimeout != 15*time.Second {
		t.Fatalf("SilenceTimeout = %v, want 15s", c.SilenceTimeout)
	}
	if c.BandwidthLowLimit != 8192 {
		t.Fatalf("BandwidthLowLimit = %v, want 8192", c.BandwidthLowLimit)
	}
	if c.BandwidthHighLimit != 0 {
		t.Fatalf("BandwidthHighLimit = %v, want 0 (uncapped)", c.BandwidthHighLimit)
	}
}

func TestUnmarshalEnvOverrides(t *testing.T) {
	var c Config
	err := c.UnmarshalEnv([]string{
		"SPHYNX_ADDR=127.0.0.1:9999",
		"SPHYNX_KEY_PATH=/tmp/mykey",
		"SPHYNX_MAX_CONNECTIONS=128",
		"SPHYNX_FLOOD_THRESHOLD=4",
		"SPHYNX_WORKERS=2",
		"SPHYNX_LOG_LEVEL=debug",
		"SPHYNX_LOG_STDOUT=false",
		"SPHYNX_LOG_STDOUT_PRETTY=false",
		"SPHYNX_SILENCE_LIMIT_MS=1s",
		"SPHYNX_BANDWIDTH_LOW_LIMIT=4096",
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.SilenceLimit != time.Second {
		t.Fatalf("SilenceLimit = %v, want 1s", c.SilenceLimit)
	}
	if c.BandwidthLowLimit != 4096 {
		t.Fatalf("BandwidthLowLimit = %v, want 4096", c.BandwidthLowLimit)
	}
	if c.Addr != netip.MustParseAddrPort("127.0.0.1:9999") {
		t.Fatalf("Addr = %v", c.Addr)
	}
	if c.KeyPath != "/tmp/mykey" {
		t.Fatalf("KeyPath = %q", c.KeyPath)
	}
	if c.MaxConnections != 128 || c.FloodThreshold != 4 || c.Workers != 2 {
		t.Fatalf("unexpected int fields: %+v", c)
	}
	if c.LogLevel != zerolog.DebugLevel {
		t.Fatalf("LogLevel = %v", c.LogLevel)
	}
	if c.LogStdout || c.LogStdoutPretty {
		t.Fatal("LogStdout and LogStdoutPretty should be false")
	}
}

func TestUnmarshalEnvRejectsUnknownVariable(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"SPHYNX_NOT_A_FIELD=1"}); err == nil {
		t.Fatal("expected an error for an unrecognized SPHYNX_ variable")
	}
}

func TestUnmarshalEnvIgnoresUnrelatedVariables(t *testing.T) {
	var c Config
	if err := c.UnmarshalEnv([]string{"PATH=/usr/bin", "HOME=/root"}); err != nil {
		t.Fatal(err)
	}
}

func TestConfigureLoggingDiscardsWhenStdoutDisabled(t *testing.T) {
	c := Config{LogStdout: false, LogLevel: zerolog.InfoLevel}
	log := c.configureLogging()
	if log.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("level = %v, want info", log.GetLevel())
	}
}
