package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// DepositState is the externally visible stage of an observed deposit log.
type DepositState string

const (
	DepositStatePending     DepositState = "pending"
	DepositStateMinted      DepositState = "minted"
	DepositStateDeployed    DepositState = "deployed"
	DepositStateInvalid     DepositState = "invalid"
	DepositStateQuarantined DepositState = "quarantined"
)

// DepositStatus is the status snapshot of one log observed in a deposit
// transaction. MintIndex is the ledger operation that credited the deposit,
// set once the deposit is minted.
type DepositStatus struct {
	TxHash    common.Hash  `json:"tx_hash"`
	LogIndex  uint64       `json:"log_index"`
	State     DepositState `json:"state"`
	MintIndex *uint64      `json:"mint_index,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// DepositStatuses reports every observed log of the given transaction across
// the deposit lifecycle sets, ordered by log index. An empty result means the
// transaction has not been scraped (or carried no helper contract logs).
func (s *State) DepositStatuses(txHash common.Hash) []DepositStatus {
	var out []DepositStatus
	add := func(logIndex uint64, st DepositState, mintIndex *uint64, reason string) {
		out = append(out, DepositStatus{
			TxHash:    txHash,
			LogIndex:  logIndex,
			State:     st,
			MintIndex: mintIndex,
			Reason:    reason,
		})
	}

	for src := range s.EventsToMint {
		if src.TxHash == txHash {
			add(src.LogIndex, DepositStatePending, nil, "")
		}
	}
	for src := range s.EventsToRelease {
		if src.TxHash == txHash {
			add(src.LogIndex, DepositStatePending, nil, "")
		}
	}
	for src := range s.SwapsToMint {
		if src.TxHash == txHash {
			add(src.LogIndex, DepositStatePending, nil, "")
		}
	}
	for src, index := range s.MintedEvents {
		if src.TxHash == txHash {
			idx := index
			add(src.LogIndex, DepositStateMinted, &idx, "")
		}
	}
	for src, index := range s.ReleasedEvents {
		if src.TxHash == txHash {
			idx := index
			add(src.LogIndex, DepositStateMinted, &idx, "")
		}
	}
	for src, index := range s.MintedSwaps {
		if src.TxHash == txHash {
			idx := index
			add(src.LogIndex, DepositStateMinted, &idx, "")
		}
	}
	for src := range s.DeployedEvents {
		if src.TxHash == txHash {
			add(src.LogIndex, DepositStateDeployed, nil, "")
		}
	}
	for src, reason := range s.InvalidEvents {
		if src.TxHash == txHash {
			st := DepositStateInvalid
			if reason.Quarantined {
				st = DepositStateQuarantined
			}
			add(src.LogIndex, st, nil, reason.Reason)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].LogIndex < out[j].LogIndex })
	return out
}
