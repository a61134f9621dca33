package aave

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/positionguard/positionguard/internal/domain"
)

// ContractCaller is the read-only slice of the RPC client the pool reader
// needs. *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// PoolClient reads the guarded wallet's position from the lending pool:
// aggregate account data from getUserAccountData plus a per-reserve
// collateral breakdown from aToken balances.
type PoolClient struct {
	caller   ContractCaller
	poolABI  abi.ABI
	erc20ABI abi.ABI
	pool     common.Address
	assets   map[string]Asset
}

var _ domain.SnapshotProvider = (*PoolClient)(nil)

// NewPoolClient creates a reader against the lending pool at the given hex
// address, covering the configured reserves.
func NewPoolClient(caller ContractCaller, pool string, assets map[string]Asset) (*PoolClient, error) {
	if !common.IsHexAddress(pool) {
		return nil, fmt.Errorf("aave: invalid pool address %q", pool)
	}
	poolABI, erc20, err := parseABIs()
	if err != nil {
		return nil, err
	}
	return &PoolClient{
		caller:   caller,
		poolABI:  poolABI,
		erc20ABI: erc20,
		pool:     common.HexToAddress(pool),
		assets:   assets,
	}, nil
}

// Fetch reads one snapshot of the wallet's position. Aggregate figures come
// from the pool in wad (1e18) and basis-point (1e4) fixed point; the
// breakdown lists each reserve's aToken balance in whole-token units.
func (p *PoolClient) Fetch(ctx context.Context, wallet string) (domain.PositionSnapshot, error) {
	if !common.IsHexAddress(wallet) {
		return domain.PositionSnapshot{}, fmt.Errorf("aave: invalid wallet address %q", wallet)
	}
	addr := common.HexToAddress(wallet)

	out, err := p.call(ctx, p.pool, p.poolABI, "getUserAccountData", addr)
	if err != nil {
		return domain.PositionSnapshot{}, fmt.Errorf("aave: account data: %w: %v", domain.ErrUnavailable, err)
	}

	var account struct {
		TotalCollateralETH          *big.Int
		TotalDebtETH                *big.Int
		AvailableBorrowsETH         *big.Int
		CurrentLiquidationThreshold *big.Int
		Ltv                         *big.Int
		HealthFactor                *big.Int
	}
	if err := p.poolABI.UnpackIntoInterface(&account, "getUserAccountData", out); err != nil {
		return domain.PositionSnapshot{}, fmt.Errorf("aave: decode account data: %w", err)
	}

	breakdown, err := p.fetchBreakdown(ctx, addr)
	if err != nil {
		return domain.PositionSnapshot{}, err
	}

	snap := domain.PositionSnapshot{
		Wallet:               wallet,
		CollateralValue:      fromUnits(account.TotalCollateralETH, 18),
		DebtValue:            fromUnits(account.TotalDebtETH, 18),
		LiquidationThreshold: fromBps(account.CurrentLiquidationThreshold),
		AssetBreakdown:       breakdown,
		LTV:                  fromBps(account.Ltv),
		AvailableBorrow:      fromUnits(account.AvailableBorrowsETH, 18),
		ReportedHealthFactor: fromUnits(account.HealthFactor, 18),
		FetchedAt:            time.Now().UTC(),
	}

	// With no debt the pool reports type(uint256).max; the infinite
	// sentinel is what the rest of the system understands.
	if account.TotalDebtETH.Sign() == 0 {
		snap.ReportedHealthFactor = math.Inf(1)
	}

	return snap, nil
}

// fetchBreakdown reads each reserve's aToken balance. Reserves with a zero
// balance are left out: the wallet holds nothing there, so no quote is
// needed.
func (p *PoolClient) fetchBreakdown(ctx context.Context, wallet common.Address) (map[string]float64, error) {
	breakdown := make(map[string]float64)
	for symbol, asset := range p.assets {
		out, err := p.call(ctx, asset.AToken, p.erc20ABI, "balanceOf", wallet)
		if err != nil {
			return nil, fmt.Errorf("aave: %s balance: %w: %v", symbol, domain.ErrUnavailable, err)
		}
		var balance *big.Int
		if err := p.erc20ABI.UnpackIntoInterface(&balance, "balanceOf", out); err != nil {
			return nil, fmt.Errorf("aave: decode %s balance: %w", symbol, err)
		}
		if balance.Sign() > 0 {
			breakdown[symbol] = fromUnits(balance, asset.Decimals)
		}
	}
	return breakdown, nil
}

func (p *PoolClient) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]byte, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return p.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}
