// Package scrape advances the deposit watermark. Each pass fetches helper
// contract logs up to the finalized tip, decodes them, appends the resulting
// events together with the watermark advance in one atomic batch, and then
// settles every pending credit on the settlement ledger.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/evm-minter/internal/metrics"
	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/evmlog"
	"github.com/chainsafe/evm-minter/pkg/guard"
	"github.com/chainsafe/evm-minter/pkg/ledger"
	"github.com/chainsafe/evm-minter/pkg/minter"
	"github.com/chainsafe/evm-minter/pkg/rpc"
	"github.com/chainsafe/evm-minter/pkg/state"
)

// ChainReader is the subset of the RPC client the scraper uses.
type ChainReader interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, fromBlock, toBlock uint64, addresses []common.Address, topics [][]common.Hash) ([]rpc.LogEntry, error)
}

// LedgerClient is the subset of the settlement ledger client the scraper
// uses. Deposits only ever credit the ledger.
type LedgerClient interface {
	Mint(ctx context.Context, req *ledger.MintRequest) (uint64, error)
}

// Config carries the scraper settings assembled from the chain, scrape and
// ledger configuration sections.
type Config struct {
	SafeDepth      uint64
	MaxBlockSpread uint64
	MinRequestGap  time.Duration
	LedgerDecimals int
	// DexAccount receives swap-order credits. Nil leaves swap orders pending.
	DexAccount *events.Account
}

// Scraper owns the scrape pass. One instance runs at a time; overlapping
// starts are rejected through the task guard.
type Scraper struct {
	minter *minter.Minter
	chain  ChainReader
	ledger LedgerClient
	guard  *guard.TaskGuard
	cfg    Config
	logger *zap.Logger

	mu           sync.Mutex
	lastObserved uint64
	lastRequest  time.Time
	now          func() time.Time
}

// New assembles a scraper around the event-sourced core.
func New(m *minter.Minter, chain ChainReader, ledgerClient LedgerClient, taskGuard *guard.TaskGuard, cfg Config, logger *zap.Logger) *Scraper {
	if cfg.MaxBlockSpread == 0 {
		cfg.MaxBlockSpread = 500
	}
	return &Scraper{
		minter: m,
		chain:  chain,
		ledger: ledgerClient,
		guard:  taskGuard,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// LastObservedBlock reports the highest finalized block the scraper has seen.
// Zero until the first pass completes an observation.
func (s *Scraper) LastObservedBlock() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastObserved
}

func (s *Scraper) observe(block uint64) {
	s.mu.Lock()
	if block > s.lastObserved {
		s.lastObserved = block
	}
	s.mu.Unlock()
	metrics.LastObservedBlock.Set(float64(block))
}

// ScrapeOnce runs one full scrape pass: observe the finalized tip, ingest
// every block window behind it, then settle pending ledger credits. A pass
// already in flight rejects the new one.
func (s *Scraper) ScrapeOnce(ctx context.Context) error {
	release, err := s.guard.Start(guard.TaskScrapeLogs)
	if err != nil {
		return err
	}
	defer release()

	latest, err := s.chain.LatestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch the latest block number: %w", err)
	}
	if latest >= s.cfg.SafeDepth {
		s.observe(latest - s.cfg.SafeDepth)
	}

	if err := s.scrapeToTarget(ctx, s.LastObservedBlock()); err != nil {
		return err
	}
	return s.processCredits(ctx)
}

// RequestScrape scrapes up to the requested block ahead of the regular
// schedule. Requests are rate limited and must target an already observed
// finalized block.
func (s *Scraper) RequestScrape(ctx context.Context, block uint64) error {
	release, err := s.guard.Start(guard.TaskScrapeLogs)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	if !s.lastRequest.IsZero() && s.now().Sub(s.lastRequest) < s.cfg.MinRequestGap {
		s.mu.Unlock()
		return apperrors.RateLimitedError(nil, fmt.Sprintf(
			"scrape requests must be at least %s apart", s.cfg.MinRequestGap))
	}
	observed := s.lastObserved
	s.mu.Unlock()

	if observed == 0 {
		latest, err := s.chain.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to fetch the latest block number: %w", err)
		}
		if latest < s.cfg.SafeDepth {
			return apperrors.UserInputError(nil, "the chain has no finalized blocks yet")
		}
		observed = latest - s.cfg.SafeDepth
		s.observe(observed)
	}
	if block > observed {
		return apperrors.UserInputError(nil, fmt.Sprintf(
			"block %d is not finalized yet, last observed block is %d", block, observed))
	}

	s.mu.Lock()
	s.lastRequest = s.now()
	s.mu.Unlock()

	if err := s.scrapeToTarget(ctx, block); err != nil {
		return err
	}
	return s.processCredits(ctx)
}

// scrapeToTarget ingests watermark+1..target in windows of at most
// MaxBlockSpread blocks. Each window advances the watermark atomically with
// its events, so a crash never loses or repeats a window.
func (s *Scraper) scrapeToTarget(ctx context.Context, target uint64) error {
	scraped, addresses := s.scrapePosition()
	if target <= scraped {
		s.logger.Debug("nothing to scrape",
			zap.Uint64("last_scraped_block", scraped),
			zap.Uint64("target_block", target))
		return nil
	}

	for from := scraped + 1; from <= target; {
		to := from + s.cfg.MaxBlockSpread - 1
		if to > target {
			to = target
		}
		if err := s.scrapeRange(ctx, from, to, addresses); err != nil {
			return err
		}
		from = to + 1
	}
	return nil
}

// scrapePosition reads the watermark and the watched contract addresses from
// the current state.
func (s *Scraper) scrapePosition() (uint64, []common.Address) {
	var (
		scraped   uint64
		addresses []common.Address
	)
	s.minter.ReadState(func(st *state.State) {
		scraped = st.LastScrapedBlock
		addresses = append(addresses, st.HelperAddress)
		if st.LegacyHelperAddress != nil {
			addresses = append(addresses, *st.LegacyHelperAddress)
		}
	})
	return scraped, addresses
}

// scrapeRange fetches and ingests one inclusive block window. Oversized
// responses halve the window and retry; a single block that still overflows
// is skipped and stepped over.
func (s *Scraper) scrapeRange(ctx context.Context, from, to uint64, addresses []common.Address) error {
	entries, err := s.chain.GetLogs(ctx, from, to, addresses, [][]common.Hash{evmlog.Topics()})
	if err != nil {
		if !isOversizedResponse(err) {
			return fmt.Errorf("failed to fetch logs for blocks %d-%d: %w", from, to, err)
		}
		if from == to {
			s.logger.Warn("skipping block with an oversized log response",
				zap.Uint64("block_number", from))
			metrics.SkippedBlocks.Inc()
			return s.append(ctx, []events.Payload{
				&events.SkippedBlock{BlockNumber: from},
				&events.SyncedToBlock{BlockNumber: from},
			}, from)
		}
		mid := from + (to-from)/2
		s.logger.Info("halving an oversized log window",
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", to))
		if err := s.scrapeRange(ctx, from, mid, addresses); err != nil {
			return err
		}
		return s.scrapeRange(ctx, mid+1, to, addresses)
	}
	return s.ingestWindow(ctx, entries, from, to)
}

// ingestWindow decodes one window's logs against the current state and
// appends the outcome together with the watermark advance.
func (s *Scraper) ingestWindow(ctx context.Context, entries []rpc.LogEntry, from, to uint64) error {
	var (
		payloads []events.Payload
		pending  int
		skipped  int
		dropped  int
	)
	s.minter.ReadState(func(st *state.State) {
		res := evmlog.DecodeAll(entries, st)
		pending = res.Pending
		skipped = res.Skipped

		decoded := res.Events
		sort.Slice(decoded, func(i, j int) bool {
			if decoded[i].Block() != decoded[j].Block() {
				return decoded[i].Block() < decoded[j].Block()
			}
			return decoded[i].Source().LogIndex < decoded[j].Source().LogIndex
		})
		for _, ev := range decoded {
			if st.RecordedEventSource(ev.Source()) {
				dropped++
				continue
			}
			payloads = append(payloads, ev)
		}
		for _, invalid := range res.Invalid {
			if st.RecordedEventSource(invalid.Source) {
				dropped++
				continue
			}
			payloads = append(payloads, quarantineLog(entries, invalid))
		}
	})

	if pending > 0 {
		return apperrors.TransientError(nil, fmt.Sprintf(
			"%d logs in finalized blocks %d-%d have no mined position", pending, from, to))
	}
	if dropped > 0 {
		s.logger.Info("dropped already recorded logs",
			zap.Int("count", dropped),
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", to))
	}
	if skipped > 0 {
		s.logger.Debug("ignored same-chain swaps",
			zap.Int("count", skipped),
			zap.Uint64("from_block", from),
			zap.Uint64("to_block", to))
	}

	payloads = append(payloads, &events.SyncedToBlock{BlockNumber: to})
	return s.append(ctx, payloads, to)
}

func (s *Scraper) append(ctx context.Context, payloads []events.Payload, syncedTo uint64) error {
	if err := s.minter.ProcessEvents(ctx, payloads); err != nil {
		return fmt.Errorf("failed to append scraped events: %w", err)
	}
	metrics.LastScrapedBlock.Set(float64(syncedTo))
	return nil
}

// quarantineLog picks the quarantine payload for a rejected log. Logs with a
// deposit signature become InvalidDeposit; anything else is InvalidEvent.
func quarantineLog(entries []rpc.LogEntry, invalid *evmlog.InvalidLogError) events.Payload {
	for i := range entries {
		e := &entries[i]
		if !e.Mined() || len(e.Topics) == 0 {
			continue
		}
		source := events.EventSource{TxHash: *e.TransactionHash, LogIndex: uint64(*e.LogIndex)}
		if source != invalid.Source {
			continue
		}
		if e.Topics[0] == evmlog.LegacyDepositTopic || e.Topics[0] == evmlog.DepositAndBurnTopic {
			return &events.InvalidDeposit{EventSource: invalid.Source, Reason: invalid.Reason}
		}
		break
	}
	return &events.InvalidEvent{EventSource: invalid.Source, Reason: invalid.Reason}
}

// isOversizedResponse recognizes the provider answers for eth_getLogs windows
// whose result exceeds the provider's response cap. The wording differs per
// provider; none of them return a structured code.
func isOversizedResponse(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "response size") ||
		strings.Contains(msg, "response too large") ||
		strings.Contains(msg, "result set too large") ||
		strings.Contains(msg, "query returned more than") ||
		strings.Contains(msg, "exceeds the limit") ||
		strings.Contains(msg, "too many results")
}

// creditWork is one pass worth of pending settlement ledger credits, captured
// under a single state snapshot.
type creditWork struct {
	mints    []depositCredit
	releases []releaseCredit
	swaps    []swapCredit
}

type depositCredit struct {
	source     events.EventSource
	instrument string
	to         events.Account
	amount     string
	kind       string
	minted     events.Payload
	err        error
}

type releaseCredit struct {
	source     events.EventSource
	instrument string
	to         events.Account
	amount     string
	err        error
}

type swapCredit struct {
	source     events.EventSource
	instrument string
	amount     string
	err        error
}

// processCredits settles every pending deposit, wrapped burn and swap order
// on the settlement ledger. Transient ledger failures leave the credit
// pending for the next pass; permanent failures quarantine it.
func (s *Scraper) processCredits(ctx context.Context) error {
	var work creditWork
	s.minter.ReadState(func(st *state.State) {
		work = s.buildCreditWork(st)
	})

	for _, credit := range work.mints {
		if err := s.creditDeposit(ctx, credit); err != nil {
			return err
		}
	}
	for _, credit := range work.releases {
		if err := s.creditRelease(ctx, credit); err != nil {
			return err
		}
	}
	for _, credit := range work.swaps {
		if err := s.creditSwap(ctx, credit); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scraper) buildCreditWork(st *state.State) creditWork {
	var work creditWork
	for _, ev := range st.MintsToProcess() {
		switch dep := ev.(type) {
		case *events.AcceptedDeposit:
			credit := depositCredit{
				source:     dep.Source(),
				instrument: st.NativeSymbol,
				to:         dep.To,
				kind:       "native",
				minted:     &events.MintedNative{EventSource: dep.Source()},
			}
			credit.amount, credit.err = ledger.WeiToLedger(dep.Value, s.cfg.LedgerDecimals)
			work.mints = append(work.mints, credit)
		case *events.AcceptedErc20Deposit:
			token, ok := st.FindToken(dep.TokenContract)
			if !ok {
				// Unreachable: Apply rejects deposits of unregistered tokens.
				continue
			}
			credit := depositCredit{
				source:     dep.Source(),
				instrument: token.LedgerID.String(),
				to:         dep.To,
				kind:       "erc20",
				minted: &events.MintedErc20{
					EventSource:   dep.Source(),
					TokenContract: dep.TokenContract,
				},
			}
			credit.amount, credit.err = ledger.ToLedgerAmount(dep.Value, int(token.Decimals), int(token.Decimals))
			work.mints = append(work.mints, credit)
		}
	}
	for _, burn := range st.ReleasesToProcess() {
		credit := releaseCredit{
			source:     burn.Source(),
			instrument: burn.BaseToken.String(),
			to:         burn.To,
		}
		credit.amount, credit.err = ledger.WeiToLedger(burn.Value, s.cfg.LedgerDecimals)
		work.releases = append(work.releases, credit)
	}
	for _, swap := range st.SwapsToProcess() {
		token, ok := st.FindToken(swap.TokenOut)
		if !ok {
			continue
		}
		credit := swapCredit{
			source:     swap.Source(),
			instrument: token.LedgerID.String(),
		}
		credit.amount, credit.err = ledger.ToLedgerAmount(swap.AmountOut, int(token.Decimals), int(token.Decimals))
		work.swaps = append(work.swaps, credit)
	}
	return work
}

func (s *Scraper) creditDeposit(ctx context.Context, credit depositCredit) error {
	if credit.err != nil {
		s.logger.Error("quarantining a deposit with an unrepresentable amount",
			zap.Stringer("source", credit.source),
			zap.Error(credit.err))
		return s.quarantineCredit(ctx, &events.QuarantinedDeposit{EventSource: credit.source})
	}
	index, err := s.ledger.Mint(ctx, &ledger.MintRequest{
		Instrument: credit.instrument,
		To:         credit.to,
		Amount:     credit.amount,
		Key:        ledger.IdempotencyKey("mint", credit.source.String()),
	})
	if err != nil {
		return s.handleCreditError(ctx, credit.source, err,
			&events.QuarantinedDeposit{EventSource: credit.source})
	}

	switch minted := credit.minted.(type) {
	case *events.MintedNative:
		minted.MintIndex = index
	case *events.MintedErc20:
		minted.MintIndex = index
	}
	metrics.MintsTotal.WithLabelValues(credit.kind).Inc()
	s.logger.Info("minted a deposit on the settlement ledger",
		zap.Stringer("source", credit.source),
		zap.String("instrument", credit.instrument),
		zap.String("amount", credit.amount),
		zap.Uint64("mint_index", index))
	return s.minter.ProcessEvents(ctx, []events.Payload{credit.minted})
}

func (s *Scraper) creditRelease(ctx context.Context, credit releaseCredit) error {
	if credit.err != nil {
		s.logger.Error("quarantining a wrapped burn with an unrepresentable amount",
			zap.Stringer("source", credit.source),
			zap.Error(credit.err))
		return s.quarantineCredit(ctx, &events.QuarantinedDeposit{EventSource: credit.source})
	}
	index, err := s.ledger.Mint(ctx, &ledger.MintRequest{
		Instrument: credit.instrument,
		To:         credit.to,
		Amount:     credit.amount,
		Key:        ledger.IdempotencyKey("release", credit.source.String()),
	})
	if err != nil {
		return s.handleCreditError(ctx, credit.source, err,
			&events.QuarantinedDeposit{EventSource: credit.source})
	}
	metrics.MintsTotal.WithLabelValues("release").Inc()
	s.logger.Info("released a wrapped burn on the settlement ledger",
		zap.Stringer("source", credit.source),
		zap.String("instrument", credit.instrument),
		zap.String("amount", credit.amount),
		zap.Uint64("release_index", index))
	return s.minter.ProcessEvents(ctx, []events.Payload{
		&events.ReleasedWrappedBurn{EventSource: credit.source, ReleaseIndex: index},
	})
}

func (s *Scraper) creditSwap(ctx context.Context, credit swapCredit) error {
	if s.cfg.DexAccount == nil {
		s.logger.Warn("swap order pending without a configured dex account",
			zap.Stringer("source", credit.source))
		return nil
	}
	if credit.err != nil {
		s.logger.Error("quarantining a swap order with an unrepresentable amount",
			zap.Stringer("source", credit.source),
			zap.Error(credit.err))
		return s.quarantineCredit(ctx, &events.QuarantinedSwapOrder{EventSource: credit.source})
	}
	index, err := s.ledger.Mint(ctx, &ledger.MintRequest{
		Instrument: credit.instrument,
		To:         *s.cfg.DexAccount,
		Amount:     credit.amount,
		Key:        ledger.IdempotencyKey("swap-mint", credit.source.String()),
	})
	if err != nil {
		return s.handleCreditError(ctx, credit.source, err,
			&events.QuarantinedSwapOrder{EventSource: credit.source})
	}
	metrics.MintsTotal.WithLabelValues("swap").Inc()
	s.logger.Info("credited a swap order to the dex account",
		zap.Stringer("source", credit.source),
		zap.String("instrument", credit.instrument),
		zap.String("amount", credit.amount),
		zap.Uint64("mint_index", index))
	return s.minter.ProcessEvents(ctx, []events.Payload{
		&events.MintedToDex{
			EventSource: credit.source,
			MintIndex:   index,
			DexAccount:  s.cfg.DexAccount.Owner,
		},
	})
}

// handleCreditError keeps transient ledger failures pending and quarantines
// everything else. Insufficient funds on a mint means the ledger disagrees
// about supply, which no retry will fix.
func (s *Scraper) handleCreditError(ctx context.Context, source events.EventSource, err error, quarantine events.Payload) error {
	if apperrors.Is(err, apperrors.CategoryTransient) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("settlement ledger credit failed, will retry",
			zap.Stringer("source", source),
			zap.Error(err))
		return nil
	}
	s.logger.Error("settlement ledger rejected a credit, quarantining",
		zap.Stringer("source", source),
		zap.Error(err))
	return s.quarantineCredit(ctx, quarantine)
}

func (s *Scraper) quarantineCredit(ctx context.Context, payload events.Payload) error {
	return s.minter.ProcessEvents(ctx, []events.Payload{payload})
}
