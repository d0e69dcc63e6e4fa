package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCSender implements TxSender against a JSON-RPC endpoint. Each Execute
// simulates the call first to capture the return data, then signs and
// submits the transaction and waits for it to be mined.
type RPCSender struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  *slog.Logger
}

// NewRPCSender dials the RPC endpoint and derives the sender address from
// the private key (hex, with or without the 0x prefix).
func NewRPCSender(ctx context.Context, rpcURL, privateKeyHex string, chainID int64, logger *slog.Logger) (*RPCSender, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: parse private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	return &RPCSender{
		client:  client,
		key:     key,
		from:    ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
		logger:  logger.With(slog.String("component", "rpc_sender")),
	}, nil
}

// From returns the sender address.
func (s *RPCSender) From() common.Address {
	return s.from
}

// Close releases the underlying RPC connection.
func (s *RPCSender) Close() {
	s.client.Close()
}

// Execute simulates the call, submits it as an EIP-1559 transaction and
// blocks until it is mined. A reverted transaction is an error even when the
// simulation succeeded.
func (s *RPCSender) Execute(ctx context.Context, to common.Address, data []byte) (TxReceipt, error) {
	msg := ethereum.CallMsg{From: s.from, To: &to, Data: data}

	output, err := s.client.CallContract(ctx, msg, nil)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("chain: simulate call to %s: %w", to.Hex(), err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("chain: pending nonce: %w", err)
	}

	gasLimit, err := s.client.EstimateGas(ctx, msg)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("chain: estimate gas: %w", err)
	}

	tipCap, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("chain: suggest tip cap: %w", err)
	}

	head, err := s.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("chain: latest header: %w", err)
	}
	// feeCap = 2*baseFee + tip leaves headroom for base-fee growth while the
	// transaction is pending.
	feeCap := new(big.Int).Add(
		new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
		tipCap,
	)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("chain: sign tx: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return TxReceipt{}, fmt.Errorf("chain: send tx: %w", err)
	}

	s.logger.InfoContext(ctx, "chain: tx submitted",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
	)

	receipt, err := bind.WaitMined(ctx, s.client, signed)
	if err != nil {
		return TxReceipt{}, fmt.Errorf("chain: wait mined %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TxReceipt{}, fmt.Errorf("chain: tx %s reverted", signed.Hash().Hex())
	}

	return TxReceipt{Hash: signed.Hash().Hex(), Output: output}, nil
}

// Compile-time interface check.
var _ TxSender = (*RPCSender)(nil)
