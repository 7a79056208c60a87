package main

import (
	"flag"
	"fmt"
)

// CLIConfig holds the parsed command-line flags.
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	ShowHelp    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config", "config.json", "path to the configuration file")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.StringVar(&cfg.LogFormat, "log-format", "text", "log format: text or json")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "print help and exit")
	flag.Parse()

	return cfg
}

func printHelp() {
	fmt.Printf(`%s - decentralized IoT daemon

Runs one node of a trust-bounded IoT mesh: drives local peripherals,
discovers peers over mDNS, replicates measurements over gossip, evaluates
rules, and serves the browser front-end.

On first run (no "secrets" in the config) the daemon generates a keypair and
a pre-shared network key, writes them back, and exits; copy the PSK to every
node before restarting.

Usage:
  %s [flags]

Flags:
`, appName, appName)
	flag.PrintDefaults()
	fmt.Printf(`
Exit codes:
  0  graceful shutdown (or first-run secret generation)
  1  configuration error
  2  unrecoverable swarm error
  3  web port bind failure
`)
}
