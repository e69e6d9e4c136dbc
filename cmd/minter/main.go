package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chainsafe/evm-minter/pkg/app"
	minterapp "github.com/chainsafe/evm-minter/pkg/app/minter"
	"github.com/chainsafe/evm-minter/pkg/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var server app.Runner = minterapp.NewServer(cfg)
	if err := server.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Minter terminated: %v\n", err)
		os.Exit(1)
	}
}
