// Package minter implements app.Runner for the minter process: it assembles
// the event-sourced core and its passes, drives them on tickers and serves
// the HTTP API.
package minter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/app/httpserver"
	"github.com/chainsafe/evm-minter/pkg/auth"
	"github.com/chainsafe/evm-minter/pkg/config"
	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/guard"
	"github.com/chainsafe/evm-minter/pkg/ledger"
	"github.com/chainsafe/evm-minter/pkg/minter"
	"github.com/chainsafe/evm-minter/pkg/pgutil"
	"github.com/chainsafe/evm-minter/pkg/rpc"
	"github.com/chainsafe/evm-minter/pkg/scrape"
	"github.com/chainsafe/evm-minter/pkg/signer"
	"github.com/chainsafe/evm-minter/pkg/store"
	"github.com/chainsafe/evm-minter/pkg/withdraw"
)

// Server holds configuration for the minter process.
type Server struct {
	cfg *config.Config
}

// NewServer initializes a new minter Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run wires the minter together and blocks until an OS shutdown signal is
// received, a fatal invariant violation stops the passes, or the HTTP server
// fails.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting EVM minter",
		zap.String("network", cfg.Chain.Network),
		zap.Uint64("chain_id", cfg.Chain.ChainID))

	db, err := pgutil.ConnectDB(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect event store db: %w", err)
	}
	defer func() { _ = db.Close() }()
	logger.Info("Database connection established")

	core := minter.New(store.NewStore(db), logger.Named("minter"))

	chain, err := rpc.NewClient(ctx, &cfg.Providers, logger.Named("rpc"))
	if err != nil {
		return fmt.Errorf("initialize rpc client: %w", err)
	}
	ledgerClient := ledger.NewClient(&cfg.Ledger, logger.Named("ledger"))

	sg, err := signer.New(&cfg.Signer)
	if err != nil {
		return fmt.Errorf("initialize signer: %w", err)
	}
	logger.Info("Minter address derived", zap.String("address", sg.Address().Hex()))

	if err := s.replayOrBootstrap(ctx, core, chain, sg.Address(), logger); err != nil {
		return err
	}

	tasks := guard.NewTaskGuard()

	scrapeCfg, err := buildScrapeConfig(cfg)
	if err != nil {
		return err
	}
	scraper := scrape.New(core, chain, ledgerClient, tasks, scrapeCfg, logger.Named("scraper"))

	withdrawCfg, err := buildWithdrawConfig(cfg)
	if err != nil {
		return err
	}
	processor := withdraw.New(core, chain, ledgerClient, sg, tasks, withdrawCfg, logger.Named("withdraw"))

	// Pass failures that corrupt state cancel this context and take the
	// whole process down through the graceful shutdown path.
	runCtx, fatal := context.WithCancel(ctx)
	defer fatal()
	s.runLoops(runCtx, fatal, scraper, processor, logger)

	router := newRouter(&handlers{
		cfg:       cfg,
		logger:    logger.Named("api"),
		core:      core,
		processor: processor,
		scraper:   scraper,
		address:   sg.Address(),
		validator: auth.NewValidator(cfg.Auth.JWKSURL, cfg.Auth.Issuer),
		ping:      db.PingContext,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return httpserver.ServeAndWait(runCtx, logger, newHTTPServer(addr, router, &cfg.Server), cfg.Server.ShutdownTimeout)
}

// replayOrBootstrap rebuilds state from the event log, seeding the log from
// configuration on the very first start. The initial nonce comes from the
// chain so a key with prior history starts where it left off.
func (s *Server) replayOrBootstrap(ctx context.Context, core *minter.Minter, chain *rpc.Client, address common.Address, logger *zap.Logger) error {
	err := core.Replay(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, minter.ErrEmptyLog) {
		return fmt.Errorf("replay event log: %w", err)
	}

	logger.Info("Event log is empty, bootstrapping from configuration")
	nextNonce, err := chain.LatestTransactionCount(ctx, address)
	if err != nil {
		return fmt.Errorf("fetch initial transaction count: %w", err)
	}
	init, err := initFromConfig(s.cfg, nextNonce)
	if err != nil {
		return err
	}
	if err := core.Bootstrap(ctx, init); err != nil {
		return fmt.Errorf("bootstrap event log: %w", err)
	}
	return nil
}

// initFromConfig assembles the Init event recorded on first start.
func initFromConfig(cfg *config.Config, nextNonce uint64) (*events.Init, error) {
	helper, err := parseAddress(cfg.Contracts.HelperAddress, "contracts.helper_address")
	if err != nil {
		return nil, err
	}
	init := &events.Init{
		ChainID:          cfg.Chain.ChainID,
		Network:          cfg.Chain.Network,
		NativeSymbol:     cfg.Chain.NativeSymbol,
		HelperAddress:    helper,
		LastScrapedBlock: cfg.Contracts.DeployBlock,
		NextNonce:        nextNonce,
	}
	if cfg.Contracts.LegacyHelperAddress != "" {
		legacy, err := parseAddress(cfg.Contracts.LegacyHelperAddress, "contracts.legacy_helper_address")
		if err != nil {
			return nil, err
		}
		init.LegacyHelperAddress = &legacy
	}
	if init.MinWithdrawalAmount, err = parseWei(cfg.Withdrawal.MinAmount, "withdrawal.min_amount"); err != nil {
		return nil, err
	}
	if init.MinPriorityFee, err = parseWei(cfg.Chain.MinPriorityFee, "chain.min_priority_fee"); err != nil {
		return nil, err
	}
	return init, nil
}

func buildScrapeConfig(cfg *config.Config) (scrape.Config, error) {
	out := scrape.Config{
		SafeDepth:      cfg.Chain.SafeDepth,
		MaxBlockSpread: cfg.Scrape.MaxBlockSpread,
		MinRequestGap:  cfg.Scrape.MinRequestGap,
		LedgerDecimals: cfg.Ledger.Decimals,
	}
	if cfg.Ledger.DexAccount != "" {
		account, err := parseAccount(cfg.Ledger.DexAccount, "ledger.dex_account")
		if err != nil {
			return scrape.Config{}, err
		}
		out.DexAccount = account
	}
	return out, nil
}

func buildWithdrawConfig(cfg *config.Config) (withdraw.Config, error) {
	out := withdraw.Config{
		LedgerDecimals: cfg.Ledger.Decimals,
		MaxConcurrent:  cfg.Withdrawal.MaxConcurrent,
		MaxPending:     cfg.Withdrawal.MaxPending,
	}
	var err error
	if out.Fee, err = parseWei(cfg.Withdrawal.Fee, "withdrawal.fee"); err != nil {
		return withdraw.Config{}, err
	}
	if out.TransferFee, err = parseWei(cfg.Ledger.TransferFee, "ledger.transfer_fee"); err != nil {
		return withdraw.Config{}, err
	}
	if cfg.Ledger.FeeAccount != "" {
		if out.FeeAccount, err = parseAccount(cfg.Ledger.FeeAccount, "ledger.fee_account"); err != nil {
			return withdraw.Config{}, err
		}
	}
	if !out.Fee.IsZero() && out.FeeAccount == nil {
		return withdraw.Config{}, fmt.Errorf("withdrawal.fee is set but ledger.fee_account is not")
	}
	return out, nil
}

// runLoops drives the long-running passes. Each pass already serializes
// itself through the task guard, so overlapping fires just skip a turn.
func (s *Server) runLoops(ctx context.Context, fatal context.CancelFunc, scraper *scrape.Scraper, processor *withdraw.Processor, logger *zap.Logger) {
	go s.loop(ctx, fatal, logger, "scrape_logs", s.cfg.Scrape.Interval, true, scraper.ScrapeOnce)
	go s.loop(ctx, fatal, logger, "process_withdrawals", s.cfg.Withdrawal.ProcessInterval, false, processor.ProcessOnce)
	go s.loop(ctx, fatal, logger, "reimbursement", s.cfg.Withdrawal.ReimburseInterval, false, processor.ReimburseOnce)
	go s.retryLoop(ctx, fatal, logger, processor)
}

func (s *Server) loop(ctx context.Context, fatal context.CancelFunc, logger *zap.Logger, name string, interval time.Duration, immediate bool, pass func(context.Context) error) {
	run := func() { s.runPass(ctx, fatal, logger, name, pass) }

	if immediate {
		run()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// retryLoop reruns the withdrawal pass between regular fires: immediately
// when intake signals new work and on a short interval while transactions
// are still in flight.
func (s *Server) retryLoop(ctx context.Context, fatal context.CancelFunc, logger *zap.Logger, processor *withdraw.Processor) {
	ticker := time.NewTicker(s.cfg.Withdrawal.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-processor.WakeC():
			s.runPass(ctx, fatal, logger, "process_withdrawals", processor.ProcessOnce)
		case <-ticker.C:
			if processor.HasWork() {
				s.runPass(ctx, fatal, logger, "process_withdrawals", processor.ProcessOnce)
			}
		}
	}
}

func (s *Server) runPass(ctx context.Context, fatal context.CancelFunc, logger *zap.Logger, name string, pass func(context.Context) error) {
	err := pass(ctx)
	switch {
	case err == nil:
	case errors.Is(err, guard.ErrAlreadyProcessing):
		logger.Debug("Pass skipped, previous run still active", zap.String("task", name))
	case apperrors.Is(err, apperrors.CategoryInvariant):
		logger.Error("Invariant violation, stopping the process",
			zap.String("task", name), zap.Error(err))
		fatal()
	default:
		logger.Warn("Pass failed", zap.String("task", name), zap.Error(err))
	}
}

func newHTTPServer(addr string, handler http.Handler, cfg *config.ServerConfig) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func parseAddress(s, field string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseWei(s, field string) (*uint256.Int, error) {
	if s == "" {
		return uint256.NewInt(0), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %q is not a decimal wei amount: %w", field, s, err)
	}
	return v, nil
}

func parseAccount(s, field string) (*events.Account, error) {
	id, err := events.ParseAccountID(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return &events.Account{Owner: id}, nil
}
