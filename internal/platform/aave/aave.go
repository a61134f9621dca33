// Package aave talks to an Aave v2 style lending pool: reading the guarded
// wallet's account data and submitting deposit, repay, and withdraw
// transactions.
package aave

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// lendingPoolABI is the slice of the LendingPool interface the guard uses.
const lendingPoolABI = `[
	{"name":"getUserAccountData","type":"function","stateMutability":"view",
		"inputs":[{"name":"user","type":"address"}],
		"outputs":[
			{"name":"totalCollateralETH","type":"uint256"},
			{"name":"totalDebtETH","type":"uint256"},
			{"name":"availableBorrowsETH","type":"uint256"},
			{"name":"currentLiquidationThreshold","type":"uint256"},
			{"name":"ltv","type":"uint256"},
			{"name":"healthFactor","type":"uint256"}
		]},
	{"name":"deposit","type":"function","stateMutability":"nonpayable",
		"inputs":[
			{"name":"asset","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"onBehalfOf","type":"address"},
			{"name":"referralCode","type":"uint16"}
		],"outputs":[]},
	{"name":"repay","type":"function","stateMutability":"nonpayable",
		"inputs":[
			{"name":"asset","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"rateMode","type":"uint256"},
			{"name":"onBehalfOf","type":"address"}
		],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"withdraw","type":"function","stateMutability":"nonpayable",
		"inputs":[
			{"name":"asset","type":"address"},
			{"name":"amount","type":"uint256"},
			{"name":"to","type":"address"}
		],"outputs":[{"name":"","type":"uint256"}]}
]`

// erc20ABI is the slice of ERC-20 needed for balances and pool allowances.
const erc20ABI = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"name":"allowance","type":"function","stateMutability":"view",
		"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"name":"approve","type":"function","stateMutability":"nonpayable",
		"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]}
]`

// variableRateMode selects Aave's variable interest rate for repayments.
const variableRateMode = 2

// Asset describes one reserve the guarded wallet holds or owes. AToken is
// the interest-bearing deposit token whose balance is the wallet's
// collateral in that reserve.
type Asset struct {
	Underlying common.Address
	AToken     common.Address
	Decimals   uint8
}

// NewAsset validates hex addresses and decimals from configuration.
func NewAsset(symbol, underlying, aToken string, decimals int) (Asset, error) {
	if !common.IsHexAddress(underlying) {
		return Asset{}, fmt.Errorf("aave: asset %s: invalid underlying address %q", symbol, underlying)
	}
	if !common.IsHexAddress(aToken) {
		return Asset{}, fmt.Errorf("aave: asset %s: invalid aToken address %q", symbol, aToken)
	}
	if decimals <= 0 || decimals > 36 {
		return Asset{}, fmt.Errorf("aave: asset %s: invalid decimals %d", symbol, decimals)
	}
	return Asset{
		Underlying: common.HexToAddress(underlying),
		AToken:     common.HexToAddress(aToken),
		Decimals:   uint8(decimals),
	}, nil
}

func parseABIs() (pool abi.ABI, erc20 abi.ABI, err error) {
	pool, err = abi.JSON(strings.NewReader(lendingPoolABI))
	if err != nil {
		return pool, erc20, fmt.Errorf("aave: parse pool abi: %w", err)
	}
	erc20, err = abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return pool, erc20, fmt.Errorf("aave: parse erc20 abi: %w", err)
	}
	return pool, erc20, nil
}

// fromUnits converts a fixed-point integer amount to a float in whole-token
// units.
func fromUnits(x *big.Int, decimals uint8) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(x), scale).Float64()
	return f
}

// toUnits converts a whole-token float amount to the reserve's fixed-point
// integer representation, truncating sub-unit dust.
func toUnits(amount float64, decimals uint8) *big.Int {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	scaled := new(big.Float).Mul(big.NewFloat(amount), scale)
	out, _ := scaled.Int(nil)
	return out
}

// fromBps converts a basis-point figure (e.g. 8500) to a ratio (0.85).
func fromBps(x *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(x), big.NewFloat(1e4)).Float64()
	return f
}
