package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts events appended to the durable log by type
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minter_events_appended_total",
			Help: "Total number of events appended to the event log",
		},
		[]string{"event_type"},
	)

	// EventLogSize tracks the total number of events in the log
	EventLogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minter_event_log_size",
			Help: "Total number of events in the event log",
		},
	)

	// LastScrapedBlock tracks the scraper watermark
	LastScrapedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minter_last_scraped_block",
			Help: "Highest block number whose logs were scraped",
		},
	)

	// LastObservedBlock tracks the latest finalized block seen via consensus
	LastObservedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minter_last_observed_block",
			Help: "Latest finalized block number observed across providers",
		},
	)

	// SkippedBlocks counts blocks the scraper stepped over
	SkippedBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minter_skipped_blocks_total",
			Help: "Total number of blocks skipped because their logs could not be retrieved",
		},
	)

	// ProviderRequests counts per-provider RPC outcomes
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minter_provider_requests_total",
			Help: "Total number of provider RPC calls",
		},
		[]string{"provider", "method", "outcome"},
	)

	// ConsensusDisagreements counts reductions that failed to reach consensus
	ConsensusDisagreements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minter_consensus_disagreements_total",
			Help: "Total number of multi-provider reductions without consensus",
		},
		[]string{"method"},
	)

	// BudgetLevel tracks the remaining RPC response budget
	BudgetLevel = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minter_rpc_budget_level_bytes",
			Help: "Remaining RPC response budget in bytes",
		},
	)

	// WithdrawalsByState tracks withdrawals in each lifecycle state
	WithdrawalsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "minter_withdrawals",
			Help: "Number of withdrawals by lifecycle state",
		},
		[]string{"state"},
	)

	// TransactionsSent counts payout transaction submissions by outcome
	TransactionsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minter_transactions_sent_total",
			Help: "Total number of payout transactions sent",
		},
		[]string{"outcome"},
	)

	// Reimbursements counts completed and quarantined reimbursements
	Reimbursements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minter_reimbursements_total",
			Help: "Total number of withdrawal reimbursements",
		},
		[]string{"outcome"},
	)

	// GasEstimateAge tracks the age of the cached gas fee estimate
	GasEstimateAge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minter_gas_estimate_age_seconds",
			Help: "Age of the cached gas fee estimate in seconds",
		},
	)

	// LedgerRequests counts settlement ledger calls by operation and status
	LedgerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minter_ledger_requests_total",
			Help: "Total number of settlement ledger requests",
		},
		[]string{"operation", "status"},
	)

	// MintsTotal counts settlement ledger credits by kind
	MintsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minter_mints_total",
			Help: "Total number of settlement ledger credits",
		},
		[]string{"kind"},
	)
)
