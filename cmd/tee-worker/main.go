// Command tee-worker is the enclave-resident worker for the encrypted-memory
// trust model. It holds the decryption keypair and the proving engine, and
// serves only the length-prefixed bridge protocol; the network-facing proxy
// runs as a separate, untrusted process.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"

	"tee-prover/attestation"
	"tee-prover/custodian"
	"tee-prover/prover"
	"tee-prover/shared"
	"tee-prover/worker"
)

func main() {
	godotenv.Load()

	logger, err := shared.NewLoggerFromEnv("worker")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := shared.LoadConfig()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.ProverCommand == "" {
		logger.Fatal("PROVER_COMMAND is required")
	}

	cust, err := custodian.New(shared.ModeEncryptedMemory)
	if err != nil {
		logger.Fatal("keypair generation failed", zap.Error(err))
	}

	var quotes attestation.QuoteIssuer
	issuer, err := attestation.NewGramineQuoteIssuer("", logger)
	if err != nil {
		if !cfg.Development {
			logger.Fatal("attestation hardware unavailable", zap.Error(err))
		}
		logger.Warn("running without attestation hardware", zap.Error(err))
	} else {
		quotes = issuer
	}

	var lis net.Listener
	if cfg.UseVsock {
		lis, err = vsock.Listen(cfg.WorkerVsockPort, nil)
	} else {
		lis, err = net.Listen("tcp", cfg.WorkerAddr)
	}
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker listening", zap.String("addr", lis.Addr().String()))
	w := worker.New(cust, quotes, prover.External(cfg.ProverCommand), logger)
	if err := w.Serve(ctx, lis); err != nil && ctx.Err() == nil {
		logger.Fatal("worker failed", zap.Error(err))
	}
}
