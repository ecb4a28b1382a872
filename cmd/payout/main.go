package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/starfolk/gostellar/horizon/client"
	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/fees"
	"github.com/starfolk/gostellar/internal/orchestrator"
	"github.com/starfolk/gostellar/internal/payout"
	"github.com/starfolk/gostellar/internal/registry"
	"github.com/starfolk/gostellar/internal/signer"
	"github.com/starfolk/gostellar/pkg/config"
	"github.com/starfolk/gostellar/pkg/logger"
)

const usage = `usage: payout [-config FILE] COMMAND

commands:
  discover  refresh the map of pools containing the reward asset
  run       snapshot participants and disburse the hourly reward
`

func main() {
	configPath := flag.String("config", "config.yaml", "config file path")
	rebuild := flag.Bool("rebuild", false, "discover: rebuild the pools map from scratch")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Payout.RewardCode == "" || !types.ValidAddress(cfg.Payout.RewardIssuer) {
		fatal(fmt.Errorf("payout reward asset is not configured"))
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
	}); err != nil {
		fatal(err)
	}

	store, err := payout.OpenStore(cfg.Payout.StorePath)
	if err != nil {
		fatal(err)
	}
	defer store.Close()

	hz := client.New(cfg.HorizonURL)
	reward := types.NewAsset(cfg.Payout.RewardCode, cfg.Payout.RewardIssuer)
	ctx := context.Background()

	switch command {
	case "discover":
		pools, err := payout.DiscoverPools(ctx, hz, store, reward, *rebuild)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("pools map has %d entries\n", len(pools))

	case "run":
		if err := cfg.Validate(); err != nil {
			fatal(err)
		}
		if cfg.Payout.Identity == "" {
			fatal(fmt.Errorf("payout identity is not configured"))
		}
		reg, err := registry.Open(cfg.RegistryPath)
		if err != nil {
			fatal(err)
		}
		defer reg.Close()

		est := fees.NewEstimator(hz)
		sig := signer.New(cfg.SignerSocket)
		orch := orchestrator.New(hz, sig, reg, est, cfg.NetworkPassphrase)

		holders, err := payout.NewExplorerClient(cfg.Payout.ExplorerURL)
		if err != nil {
			fatal(err)
		}
		disburser := payout.NewDisburser(orch, store, cfg.Payout.Identity, reward)
		disburser.Confirm = cfg.Payout.Confirm

		pools, err := store.PoolsMap()
		if err != nil {
			fatal(err)
		}
		poolIDs := uniquePoolIDs(pools)
		if len(poolIDs) == 0 {
			fatal(fmt.Errorf("pools map is empty, run discover first"))
		}

		hour := time.Now().UTC().Truncate(time.Hour)
		if err := disburser.Run(ctx, holders, poolIDs, hour); err != nil {
			fatal(err)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

func uniquePoolIDs(pools map[string]string) []string {
	set := map[string]bool{}
	for _, id := range pools {
		set[id] = true
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
