package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Mode selects the trust model the service runs under.
type Mode string

const (
	// ModeStandard runs without hardware attestation. Development only.
	ModeStandard Mode = "standard"
	// ModeMeasuredVM runs inside an isolated, measured virtual machine
	// (AWS Nitro Enclaves). Evidence is a signed attestation document.
	ModeMeasuredVM Mode = "measured-vm"
	// ModeEncryptedMemory runs the prover inside a CPU-encrypted memory
	// region (SGX under Gramine). Evidence is a CPU-signed quote verified
	// by an external attestation service.
	ModeEncryptedMemory Mode = "encrypted-memory"
)

// ParseMode validates a mode string from configuration or a wire message.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStandard, ModeMeasuredVM, ModeEncryptedMemory:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown trust mode: %q", s)
}

// Config holds the runtime configuration assembled from the environment.
type Config struct {
	Mode       Mode
	ListenAddr string

	// Worker bridge endpoint (encrypted-memory mode). Either a loopback
	// TCP address or a vsock CID/port pair.
	WorkerAddr      string
	WorkerVsockCID  uint32
	WorkerVsockPort uint32
	UseVsock        bool

	// Quote verification service (encrypted-memory mode). The root PEM
	// pins the service's token signing chain.
	VerificationServiceURL  string
	VerificationRootPEMPath string

	// Maximum acceptable age of attestation evidence on the client side.
	MaxEvidenceAge time.Duration

	// External prover engine invocation.
	ProverCommand string

	Development bool
}

// LoadConfig reads the service configuration from the environment.
func LoadConfig() (*Config, error) {
	mode, err := ParseMode(GetEnvOrDefault("TEE_MODE", string(ModeStandard)))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Mode:                    mode,
		ListenAddr:              GetEnvOrDefault("LISTEN_ADDR", ":8080"),
		WorkerAddr:              GetEnvOrDefault("WORKER_ADDR", "127.0.0.1:7700"),
		WorkerVsockCID:          GetEnvUint32OrDefault("WORKER_VSOCK_CID", 0),
		WorkerVsockPort:         GetEnvUint32OrDefault("WORKER_VSOCK_PORT", 7700),
		UseVsock:                GetEnvOrDefault("WORKER_TRANSPORT", "tcp") == "vsock",
		VerificationServiceURL:  GetEnvOrDefault("VERIFICATION_SERVICE_URL", ""),
		VerificationRootPEMPath: GetEnvOrDefault("VERIFICATION_ROOT_PEM", ""),
		MaxEvidenceAge:          time.Duration(GetEnvIntOrDefault("MAX_EVIDENCE_AGE_SECONDS", 300)) * time.Second,
		ProverCommand:           GetEnvOrDefault("PROVER_COMMAND", ""),
		Development:             GetEnvOrDefault("DEVELOPMENT", "false") == "true",
	}

	if cfg.Mode == ModeEncryptedMemory && cfg.VerificationServiceURL == "" {
		// The proxy itself never verifies quotes, but refusing early beats
		// handing out evidence no client of this deployment could check.
		return nil, fmt.Errorf("encrypted-memory mode requires VERIFICATION_SERVICE_URL")
	}

	return cfg, nil
}

// Helper functions for environment variable handling
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func GetEnvUint32OrDefault(key string, defaultValue uint32) uint32 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseUint(value, 10, 32); err == nil {
			return uint32(intValue)
		}
	}
	return defaultValue
}
