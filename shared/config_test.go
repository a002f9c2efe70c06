package shared

import (
	"testing"
	"time"
)

func TestParseMode(t *testing.T) {
	for _, s := range []string{"standard", "measured-vm", "encrypted-memory"} {
		mode, err := ParseMode(s)
		if err != nil {
			t.Errorf("ParseMode(%q) failed: %v", s, err)
		}
		if string(mode) != s {
			t.Errorf("ParseMode(%q) = %q", s, mode)
		}
	}

	for _, s := range []string{"", "nitro", "sgx", "Standard", "measured_vm"} {
		if _, err := ParseMode(s); err == nil {
			t.Errorf("ParseMode(%q) should fail", s)
		}
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"TEE_MODE", "LISTEN_ADDR", "MAX_EVIDENCE_AGE_SECONDS", "WORKER_TRANSPORT"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mode != ModeStandard {
		t.Errorf("Mode = %q, want %q", cfg.Mode, ModeStandard)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.MaxEvidenceAge != 5*time.Minute {
		t.Errorf("MaxEvidenceAge = %v, want 5m", cfg.MaxEvidenceAge)
	}
	if cfg.UseVsock {
		t.Error("UseVsock should default to false")
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("TEE_MODE", "encrypted-memory")
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("WORKER_TRANSPORT", "vsock")
	t.Setenv("WORKER_VSOCK_CID", "16")
	t.Setenv("WORKER_VSOCK_PORT", "7800")
	t.Setenv("VERIFICATION_SERVICE_URL", "https://attest.example.com")
	t.Setenv("MAX_EVIDENCE_AGE_SECONDS", "120")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mode != ModeEncryptedMemory {
		t.Errorf("Mode = %q, want encrypted-memory", cfg.Mode)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want :9000", cfg.ListenAddr)
	}
	if !cfg.UseVsock || cfg.WorkerVsockCID != 16 || cfg.WorkerVsockPort != 7800 {
		t.Errorf("Vsock settings not applied: %+v", cfg)
	}
	if cfg.MaxEvidenceAge != 2*time.Minute {
		t.Errorf("MaxEvidenceAge = %v, want 2m", cfg.MaxEvidenceAge)
	}
}

func TestLoadConfigEncryptedMemoryNeedsVerificationService(t *testing.T) {
	t.Setenv("TEE_MODE", "encrypted-memory")
	t.Setenv("VERIFICATION_SERVICE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Error("Expected error without VERIFICATION_SERVICE_URL")
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "not a number")

	if got := GetEnvOrDefault("TEST_STRING", "fallback"); got != "value" {
		t.Errorf("GetEnvOrDefault = %q", got)
	}
	if got := GetEnvOrDefault("TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetEnvOrDefault = %q", got)
	}
	if got := GetEnvIntOrDefault("TEST_INT", 7); got != 42 {
		t.Errorf("GetEnvIntOrDefault = %d", got)
	}
	if got := GetEnvIntOrDefault("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("GetEnvIntOrDefault = %d, want fallback", got)
	}
	if got := GetEnvUint32OrDefault("TEST_INT", 7); got != 42 {
		t.Errorf("GetEnvUint32OrDefault = %d", got)
	}
	if got := GetEnvUint32OrDefault("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("GetEnvUint32OrDefault = %d, want fallback", got)
	}
}
