package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/starfolk/gostellar/horizon/client"
	"github.com/starfolk/gostellar/horizon/types"
	"github.com/starfolk/gostellar/internal/copytrade"
	"github.com/starfolk/gostellar/internal/domain"
	"github.com/starfolk/gostellar/internal/fees"
	"github.com/starfolk/gostellar/internal/orchestrator"
	"github.com/starfolk/gostellar/internal/registry"
	"github.com/starfolk/gostellar/internal/router"
	"github.com/starfolk/gostellar/internal/signer"
	"github.com/starfolk/gostellar/internal/trade"
	"github.com/starfolk/gostellar/pkg/config"
	"github.com/starfolk/gostellar/pkg/logger"
)

const usage = `usage: trader [-config FILE] COMMAND [flags]

commands:
  keygen        provision a signing identity and register its public key
  buy           buy an asset with XLM
  sell          sell an asset for XLM
  withdraw      send funds to an external address
  trust-add     open a trustline
  trust-remove  close a trustline
  follow        store copy trade settings for a counterpart
  copy          replicate a counterpart transaction
`

type app struct {
	cfg  *config.Config
	reg  *registry.Registry
	exec *trade.Executor
	repl *copytrade.Replicator
	sig  *signer.Client
}

func main() {
	configPath := flag.String("config", "config.yaml", "config file path")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		fatal(err)
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

	reg, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		fatal(err)
	}
	defer reg.Close()

	hz := client.New(cfg.HorizonURL)
	est := fees.NewEstimator(hz)
	rt := router.New(hz)
	sig := signer.New(cfg.SignerSocket)
	orch := orchestrator.New(hz, sig, reg, est, cfg.NetworkPassphrase)

	a := &app{
		cfg:  cfg,
		reg:  reg,
		sig:  sig,
		exec: trade.NewExecutor(hz, rt, est, orch, reg, cfg.FeeWallet),
		repl: copytrade.NewReplicator(hz, est, orch, reg, reg, cfg.FeeWallet),
	}

	ctx := context.Background()
	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fatal(err)
	}
}

func (a *app) run(ctx context.Context, command string, args []string) error {
	switch command {
	case "keygen":
		return a.keygen(ctx, args)
	case "buy", "sell":
		return a.trade(ctx, command, args)
	case "withdraw":
		return a.withdraw(ctx, args)
	case "trust-add", "trust-remove":
		return a.trust(ctx, command, args)
	case "follow":
		return a.follow(args)
	case "copy":
		return a.copy(ctx, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (a *app) keygen(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	identity := fs.String("identity", "", "identity name")
	fs.Parse(args)
	if *identity == "" {
		return fmt.Errorf("-identity is required")
	}

	key, err := a.sig.Generate(ctx, *identity)
	if err != nil {
		return err
	}
	if err := a.reg.SetPublicKey(*identity, key.PublicKey); err != nil {
		return err
	}
	fmt.Printf("public key: %s\n", key.PublicKey)
	fmt.Printf("recovery mnemonic: %s\n", key.RecoveryMnemonic)
	return nil
}

func (a *app) trade(ctx context.Context, action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	identity := fs.String("identity", "", "identity name")
	assetSpec := fs.String("asset", "", "asset as CODE:ISSUER")
	amount := fs.String("amount", "", "amount")
	slippage := fs.String("slippage", "", "slippage tolerance, e.g. 0.05")
	fs.Parse(args)

	asset, amt, err := parseAssetAmount(*assetSpec, *amount)
	if err != nil {
		return err
	}
	intent := domain.TradeIntent{
		Asset:    asset,
		Amount:   amt,
		Slippage: a.cfg.DefaultSlippage,
	}
	if *slippage != "" {
		if intent.Slippage, err = decimal.NewFromString(*slippage); err != nil {
			return fmt.Errorf("invalid slippage: %w", err)
		}
	}

	var result *domain.TradeResult
	switch action {
	case "buy":
		intent.Action = domain.ActionBuy
		result, err = a.exec.Buy(ctx, *identity, intent)
	case "sell":
		intent.Action = domain.ActionSell
		result, err = a.exec.Sell(ctx, *identity, intent)
	}
	if err != nil {
		return err
	}
	fmt.Printf("confirmed %s\n", result.Hash)
	fmt.Printf("spent %s, received %s, service fee %s\n", result.Spent, result.Received, result.ServiceFee)
	return nil
}

func (a *app) withdraw(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("withdraw", flag.ExitOnError)
	identity := fs.String("identity", "", "identity name")
	assetSpec := fs.String("asset", "XLM", "asset as CODE:ISSUER, or XLM")
	amount := fs.String("amount", "", "amount")
	dest := fs.String("dest", "", "destination address")
	fs.Parse(args)

	asset, amt, err := parseAssetAmount(*assetSpec, *amount)
	if err != nil {
		return err
	}
	result, err := a.exec.Withdraw(ctx, *identity, asset, amt, *dest)
	if err != nil {
		return err
	}
	fmt.Printf("confirmed %s\n", result.Hash)
	return nil
}

func (a *app) trust(ctx context.Context, command string, args []string) error {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	identity := fs.String("identity", "", "identity name")
	assetSpec := fs.String("asset", "", "asset as CODE:ISSUER")
	fs.Parse(args)

	asset, err := parseAsset(*assetSpec)
	if err != nil {
		return err
	}
	var result *domain.TradeResult
	if command == "trust-add" {
		result, err = a.exec.AddTrust(ctx, *identity, asset)
	} else {
		result, err = a.exec.RemoveTrust(ctx, *identity, asset)
	}
	if err != nil {
		return err
	}
	fmt.Printf("confirmed %s\n", result.Hash)
	return nil
}

func (a *app) follow(args []string) error {
	fs := flag.NewFlagSet("follow", flag.ExitOnError)
	identity := fs.String("identity", "", "identity name")
	counterpart := fs.String("counterpart", "", "address to follow")
	multiplier := fs.String("multiplier", "1", "scale factor for copied amounts")
	fixed := fs.String("fixed", "", "fixed amount override")
	slippage := fs.String("slippage", "", "slippage tolerance")
	fs.Parse(args)

	if !types.ValidAddress(*counterpart) {
		return fmt.Errorf("invalid counterpart address %q", *counterpart)
	}
	cfg := &domain.CopyTradeConfig{Slippage: a.cfg.DefaultSlippage}
	var err error
	if cfg.Multiplier, err = decimal.NewFromString(*multiplier); err != nil {
		return fmt.Errorf("invalid multiplier: %w", err)
	}
	if *fixed != "" {
		f, err := decimal.NewFromString(*fixed)
		if err != nil {
			return fmt.Errorf("invalid fixed amount: %w", err)
		}
		cfg.FixedAmount = &f
	}
	if *slippage != "" {
		if cfg.Slippage, err = decimal.NewFromString(*slippage); err != nil {
			return fmt.Errorf("invalid slippage: %w", err)
		}
	}
	return a.reg.SetConfig(*identity, *counterpart, cfg)
}

func (a *app) copy(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("copy", flag.ExitOnError)
	identity := fs.String("identity", "", "identity name")
	counterpart := fs.String("counterpart", "", "followed address")
	txHash := fs.String("tx", "", "counterpart transaction hash")
	fs.Parse(args)

	reports, err := a.repl.ProcessTransaction(ctx, *identity, *counterpart, *txHash)
	for _, report := range reports {
		fmt.Printf("replicated: sent %s %s (counterpart sent %s) for %s %s, total fee %s, tx %s\n",
			report.CopiedSent, report.SendAsset.Label(), report.OriginalSent,
			report.Received, report.DestAsset.Label(), report.TotalFee(), report.Hash)
	}
	return err
}

func parseAsset(spec string) (types.Asset, error) {
	if spec == "" {
		return types.Asset{}, fmt.Errorf("-asset is required")
	}
	if strings.EqualFold(spec, "XLM") || strings.EqualFold(spec, "native") {
		return types.NativeAsset(), nil
	}
	code, issuer, ok := strings.Cut(spec, ":")
	if !ok || !types.ValidAddress(issuer) {
		return types.Asset{}, fmt.Errorf("asset must be CODE:ISSUER, got %q", spec)
	}
	return types.NewAsset(code, issuer), nil
}

func parseAssetAmount(assetSpec, amount string) (types.Asset, decimal.Decimal, error) {
	asset, err := parseAsset(assetSpec)
	if err != nil {
		return types.Asset{}, decimal.Zero, err
	}
	if amount == "" {
		return types.Asset{}, decimal.Zero, fmt.Errorf("-amount is required")
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return types.Asset{}, decimal.Zero, fmt.Errorf("invalid amount: %w", err)
	}
	return asset, amt, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
