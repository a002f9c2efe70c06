package attestation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tee-prover/shared"
)

// SGX quote report-body layout. Offsets are fixed by the hardware format.
const (
	quoteMinLength        = 432
	quoteMREnclaveOffset  = 112
	quoteMRSignerOffset   = 176
	quoteReportDataOffset = 368

	// MeasurementLength is the size of MRENCLAVE and MRSIGNER.
	MeasurementLength = 32

	// ReportDataLength is the caller-supplied user data field inside a
	// quote. The key fingerprint occupies the first 32 bytes; the rest is
	// zero padding.
	ReportDataLength = 64
)

// QuoteBody is the subset of a raw quote needed by this protocol. Parsing a
// quote locally does not make it trustworthy; only the verification service
// can vouch for the signature.
type QuoteBody struct {
	MREnclave  []byte
	MRSigner   []byte
	ReportData []byte
}

// ParseQuoteBody extracts the measurement fields from a raw quote.
func ParseQuoteBody(quote []byte) (*QuoteBody, error) {
	if len(quote) < quoteMinLength {
		return nil, fmt.Errorf("%w: quote too short (%d bytes)", ErrMalformedEvidence, len(quote))
	}
	return &QuoteBody{
		MREnclave:  quote[quoteMREnclaveOffset : quoteMREnclaveOffset+MeasurementLength],
		MRSigner:   quote[quoteMRSignerOffset : quoteMRSignerOffset+MeasurementLength],
		ReportData: quote[quoteReportDataOffset : quoteReportDataOffset+ReportDataLength],
	}, nil
}

// PadReportData right-pads user data to the fixed report-data width.
func PadReportData(userData []byte) ([]byte, error) {
	if len(userData) > ReportDataLength {
		return nil, fmt.Errorf("user data exceeds %d bytes", ReportDataLength)
	}
	padded := make([]byte, ReportDataLength)
	copy(padded, userData)
	return padded, nil
}

// QuoteIssuer produces encrypted-memory evidence for caller-supplied user
// data. Implemented by the Gramine device interface in deployment and by
// test doubles elsewhere.
type QuoteIssuer interface {
	Issue(userData []byte) ([]byte, error)
}

// GramineQuoteIssuer obtains quotes through Gramine's attestation device
// files. Available only inside a Gramine SGX enclave; absence is a
// deployment error, not a transient fault.
type GramineQuoteIssuer struct {
	devDir string
	logger *shared.Logger

	// The report-data write and quote read form one device transaction.
	mu sync.Mutex
}

// NewGramineQuoteIssuer probes the attestation device. devDir is overridable
// for tests; empty means the Gramine default.
func NewGramineQuoteIssuer(devDir string, logger *shared.Logger) (*GramineQuoteIssuer, error) {
	if devDir == "" {
		devDir = "/dev/attestation"
	}
	if logger == nil {
		logger = shared.NewNopLogger()
	}

	attType, err := os.ReadFile(filepath.Join(devDir, "attestation_type"))
	if err != nil {
		return nil, fmt.Errorf("attestation device unavailable (not running under Gramine SGX?): %w", err)
	}
	if t := strings.TrimSpace(string(attType)); t != "dcap" {
		return nil, fmt.Errorf("unsupported attestation type %q, need dcap", t)
	}

	logger.InfoIf("Gramine attestation device ready", zap.String("dev_dir", devDir))
	return &GramineQuoteIssuer{devDir: devDir, logger: logger}, nil
}

// Issue writes the padded user data to the device and reads back the signed
// quote.
func (g *GramineQuoteIssuer) Issue(userData []byte) ([]byte, error) {
	padded, err := PadReportData(userData)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := os.WriteFile(filepath.Join(g.devDir, "user_report_data"), padded, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write report data: %w", err)
	}

	quote, err := os.ReadFile(filepath.Join(g.devDir, "quote"))
	if err != nil {
		return nil, fmt.Errorf("failed to read quote: %w", err)
	}
	if len(quote) < quoteMinLength {
		return nil, fmt.Errorf("device returned truncated quote (%d bytes)", len(quote))
	}

	return quote, nil
}
