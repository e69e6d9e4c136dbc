// Package signer holds the minter's EVM signing key. The key is derived
// deterministically from a master seed, so the minter keeps the same on-chain
// address across restarts and deployments sharing that seed.
package signer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"github.com/chainsafe/evm-minter/pkg/config"
	"github.com/chainsafe/evm-minter/pkg/events"
)

// Signer signs withdrawal transactions with the derived secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New derives the signing key from the configured master seed using HKDF
// with SHA-256. KeyInfo namespaces the derivation so one seed can back
// several keys.
func New(cfg *config.SignerConfig) (*Signer, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(cfg.MasterSeed, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode master seed: %w", err)
	}
	if len(seed) < 32 {
		return nil, fmt.Errorf("master seed must be at least 32 bytes, got %d", len(seed))
	}

	hkdfReader := hkdf.New(sha256.New, seed, nil, []byte(cfg.KeyInfo))
	keyBytes := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, keyBytes); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}

	key, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create signing key: %w", err)
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Address is the minter's EVM account, the sender of every withdrawal
// transaction.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignTransaction signs the EIP-1559 transaction and returns its raw RLP
// encoding together with the transaction hash.
func (s *Signer) SignTransaction(req *events.TransactionRequest) (hexutil.Bytes, common.Hash, error) {
	if req.ChainID == 0 {
		return nil, common.Hash{}, fmt.Errorf("transaction request missing chain id")
	}
	chainID := new(big.Int).SetUint64(req.ChainID)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     req.Nonce,
		GasTipCap: req.MaxPriorityFeePerGas.ToBig(),
		GasFeeCap: req.MaxFeePerGas.ToBig(),
		Gas:       req.GasLimit,
		To:        &req.Destination,
		Value:     req.Amount.ToBig(),
		Data:      req.Data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to encode signed transaction: %w", err)
	}
	return raw, signed.Hash(), nil
}
