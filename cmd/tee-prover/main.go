// Command tee-prover runs the network-facing half of the delegated proving
// service: the attestation endpoint and the prove endpoint, backed either by
// an in-process enclave keypair (measured-vm, standard) or by the worker
// bridge (encrypted-memory).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tee-prover/attestation"
	"tee-prover/bridge"
	"tee-prover/custodian"
	"tee-prover/prover"
	"tee-prover/proxy"
	"tee-prover/shared"
)

func main() {
	godotenv.Load()

	logger, err := shared.NewLoggerFromEnv("proxy")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := shared.LoadConfig()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	server := proxy.NewServer(cfg.Mode, logger)

	switch cfg.Mode {
	case shared.ModeStandard, shared.ModeMeasuredVM:
		cust, err := custodian.New(cfg.Mode)
		if err != nil {
			logger.Fatal("keypair generation failed", zap.Error(err))
		}
		server.WithCustodian(cust)

		if cfg.ProverCommand == "" {
			logger.Fatal("PROVER_COMMAND is required for in-process proving")
		}
		server.WithProver(prover.External(cfg.ProverCommand))

		if cfg.Mode == shared.ModeMeasuredVM {
			issuer, err := attestation.NewNitroIssuer(logger)
			if err != nil {
				// The attestation device is only reachable inside the
				// isolated VM; failing here means the deployment is wrong.
				logger.Fatal("attestation hardware unavailable", zap.Error(err))
			}
			defer issuer.Close()
			server.WithIssuer(issuer)
		}

	case shared.ModeEncryptedMemory:
		var client *bridge.Client
		if cfg.UseVsock {
			client = bridge.NewVsockClient(cfg.WorkerVsockCID, cfg.WorkerVsockPort, bridge.WithLogger(logger))
		} else {
			client = bridge.NewClient(cfg.WorkerAddr, bridge.WithLogger(logger))
		}
		server.WithBridge(client)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
