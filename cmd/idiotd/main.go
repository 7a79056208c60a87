// Package main implements the entry point for idiotd, the decentralized IoT
// daemon. Each node on the mesh runs one idiotd instance: it drives the
// local peripherals, replicates measurements across the swarm, evaluates
// rules, and serves the browser front-end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/system"
)

// Build information constants.
const (
	Version = "0.1.0"
	appName = "idiotd"
)

// Exit codes, part of the daemon's operational contract.
const (
	exitOK      = 0
	exitConfig  = 1
	exitSwarm   = 2
	exitWebBind = 3
	exitPanic   = 4
)

func main() {
	// Add panic recovery.
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(exitPanic)
		}
	}()

	os.Exit(run())
}

func run() int {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return exitOK
	}
	if cliCfg.ShowHelp {
		printHelp()
		return exitOK
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting idiotd (decentralized IoT daemon)",
		"version", Version,
		"config_path", cliCfg.ConfigPath)

	cfg, err := system.LoadConfig(cliCfg.ConfigPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		return exitConfig
	}

	// First run: mint key material, persist it, and stop so the operator
	// can copy the PSK to the other nodes before joining the mesh.
	if cfg.Secrets == nil {
		slog.Info("no secrets found, generating keypair and pre-shared key")
		secrets, err := system.GenerateSecrets()
		if err != nil {
			slog.Error("secret generation failed", "error", err)
			return exitConfig
		}
		cfg.Secrets = secrets
		if err := system.WriteConfig(cliCfg.ConfigPath, cfg); err != nil {
			slog.Error("could not persist secrets", "error", err)
			return exitConfig
		}
		slog.Info("secrets written; copy secrets.psk to every node of the mesh and restart",
			"config_path", cliCfg.ConfigPath)
		return exitOK
	}

	core, err := system.New(cfg)
	if err != nil {
		slog.Error("daemon construction failed", "error", err)
		return exitCodeFor(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Run(ctx); err != nil {
		slog.Error("daemon terminated with error", "error", err)
		return exitCodeFor(err)
	}

	return exitOK
}

// exitCodeFor maps an error to the daemon's exit-code contract.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrPortBind):
		return exitWebBind
	case errors.Is(err, errors.ErrSwarmUnrecoverable):
		return exitSwarm
	default:
		return exitConfig
	}
}
