// Package chain builds and executes the on-chain side of settlements and
// swaps: ABI-encoded calldata for the pool contracts and the multi-call
// payloads handed to the account-abstraction wallet.
package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// --------------------------------------------------------------------------
// Function selectors (first 4 bytes of keccak256 of the canonical signature).
// --------------------------------------------------------------------------

var (
	// redeem(uint256 poolId, address investor, uint256 shares)
	redeemSelector = ethcrypto.Keccak256([]byte("redeem(uint256,address,uint256)"))[:4]

	// approve(address spender, uint256 amount)
	approveSelector = ethcrypto.Keccak256([]byte("approve(address,uint256)"))[:4]

	// invest(uint256 poolId, address investor, uint256 amount)
	investSelector = ethcrypto.Keccak256([]byte("invest(uint256,address,uint256)"))[:4]
)

// Addresses holds the deployed contract addresses the payload builder needs.
type Addresses struct {
	// Settlement is the pool settlement contract all redeem/invest calls
	// target.
	Settlement string
	// USDC is the payment token whose allowance the swap payload grants.
	USDC string
}

// Validate rejects zero or malformed addresses up front.
func (a Addresses) Validate() error {
	if !common.IsHexAddress(a.Settlement) || common.HexToAddress(a.Settlement) == (common.Address{}) {
		return fmt.Errorf("chain: settlement address %q: %w", a.Settlement, domain.ErrZeroAddress)
	}
	if !common.IsHexAddress(a.USDC) || common.HexToAddress(a.USDC) == (common.Address{}) {
		return fmt.Errorf("chain: usdc address %q: %w", a.USDC, domain.ErrZeroAddress)
	}
	return nil
}

// PayloadBuilder encodes pool contract calls.
type PayloadBuilder struct {
	addrs Addresses
}

// NewPayloadBuilder creates a PayloadBuilder for the given contract addresses.
func NewPayloadBuilder(addrs Addresses) (*PayloadBuilder, error) {
	if err := addrs.Validate(); err != nil {
		return nil, err
	}
	return &PayloadBuilder{addrs: addrs}, nil
}

// RedeemCalldata encodes redeem(poolId, investor, shares).
func (b *PayloadBuilder) RedeemCalldata(chainPoolID int64, investor string, shares fixedpoint.Shares) ([]byte, error) {
	addr, err := parseInvestor(investor)
	if err != nil {
		return nil, err
	}
	return concatBytes(
		redeemSelector,
		uint256Word(big.NewInt(chainPoolID)),
		addressWord(addr),
		uint256Word(big.NewInt(int64(shares))),
	), nil
}

// InvestCalldata encodes invest(poolId, investor, amount).
func (b *PayloadBuilder) InvestCalldata(chainPoolID int64, investor string, amount fixedpoint.USDC) ([]byte, error) {
	addr, err := parseInvestor(investor)
	if err != nil {
		return nil, err
	}
	return concatBytes(
		investSelector,
		uint256Word(big.NewInt(chainPoolID)),
		addressWord(addr),
		uint256Word(big.NewInt(int64(amount))),
	), nil
}

// ApproveCalldata encodes approve(spender, amount) against the USDC token.
func (b *PayloadBuilder) ApproveCalldata(amount fixedpoint.USDC) []byte {
	return concatBytes(
		approveSelector,
		addressWord(common.HexToAddress(b.addrs.Settlement)),
		uint256Word(big.NewInt(int64(amount))),
	)
}

// SwapParams carries everything needed to build a swap multi-call payload.
type SwapParams struct {
	SwapID          string
	Investor        string
	SourceChainPool int64
	TargetChainPool int64
	Shares          fixedpoint.Shares
	TargetAmount    fixedpoint.USDC
}

// BuildSwapUserOp assembles the atomic redeem -> approve -> invest payload for
// the account-abstraction wallet. Call order matters: the invest call spends
// the USDC released by the redeem call.
func (b *PayloadBuilder) BuildSwapUserOp(p SwapParams) (domain.SwapUserOp, error) {
	redeemData, err := b.RedeemCalldata(p.SourceChainPool, p.Investor, p.Shares)
	if err != nil {
		return domain.SwapUserOp{}, err
	}
	investData, err := b.InvestCalldata(p.TargetChainPool, p.Investor, p.TargetAmount)
	if err != nil {
		return domain.SwapUserOp{}, err
	}

	return domain.SwapUserOp{
		SwapID: p.SwapID,
		Calls: []domain.SwapCall{
			{Target: b.addrs.Settlement, Value: "0", Data: redeemData},
			{Target: b.addrs.USDC, Value: "0", Data: b.ApproveCalldata(p.TargetAmount)},
			{Target: b.addrs.Settlement, Value: "0", Data: investData},
		},
	}, nil
}

func parseInvestor(investor string) (common.Address, error) {
	if !common.IsHexAddress(investor) {
		return common.Address{}, fmt.Errorf("chain: investor address %q: %w", investor, domain.ErrZeroAddress)
	}
	addr := common.HexToAddress(investor)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("chain: investor address %q: %w", investor, domain.ErrZeroAddress)
	}
	return addr, nil
}

// uint256Word returns a 32-byte big-endian representation of n.
func uint256Word(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// addressWord left-pads an address to a 32-byte ABI word.
func addressWord(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
