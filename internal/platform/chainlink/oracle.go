// Package chainlink reads asset prices from Chainlink aggregator feeds over
// an Ethereum JSON-RPC endpoint.
package chainlink

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/positionguard/positionguard/internal/domain"
)

// aggregatorABI is the slice of the AggregatorV3Interface the oracle uses.
const aggregatorABI = `[
	{"name":"latestRoundData","type":"function","stateMutability":"view","inputs":[],"outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}
	]},
	{"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// ContractCaller is the slice of the RPC client the oracle needs.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Oracle fetches quotes from a fixed set of aggregator feeds, one per asset
// symbol. Feed decimals are read once per feed and cached.
type Oracle struct {
	caller ContractCaller
	abi    abi.ABI
	feeds  map[string]common.Address

	mu       sync.Mutex
	decimals map[string]uint8
}

var _ domain.PriceProvider = (*Oracle)(nil)

// NewOracle creates an Oracle over the given feeds, keyed by asset symbol
// with hex aggregator addresses as values.
func NewOracle(caller ContractCaller, feeds map[string]string) (*Oracle, error) {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("chainlink: parse aggregator abi: %w", err)
	}

	addrs := make(map[string]common.Address, len(feeds))
	for asset, feed := range feeds {
		if !common.IsHexAddress(feed) {
			return nil, fmt.Errorf("chainlink: asset %s: invalid feed address %q", asset, feed)
		}
		addrs[asset] = common.HexToAddress(feed)
	}

	return &Oracle{
		caller:   caller,
		abi:      parsed,
		feeds:    addrs,
		decimals: make(map[string]uint8),
	}, nil
}

// Fetch returns the latest round quote for each requested asset. An asset
// with no configured feed fails the whole fetch with domain.ErrMissingQuote:
// partial price coverage must never feed a health factor.
func (o *Oracle) Fetch(ctx context.Context, assets []string) (map[string]domain.PriceQuote, error) {
	quotes := make(map[string]domain.PriceQuote, len(assets))
	for _, asset := range assets {
		feed, ok := o.feeds[asset]
		if !ok {
			return nil, fmt.Errorf("chainlink: asset %s has no feed: %w", asset, domain.ErrMissingQuote)
		}

		quote, err := o.fetchOne(ctx, asset, feed)
		if err != nil {
			return nil, err
		}
		quotes[asset] = quote
	}
	return quotes, nil
}

// fetchOne reads latestRoundData for one feed and scales the answer by the
// feed's decimals.
func (o *Oracle) fetchOne(ctx context.Context, asset string, feed common.Address) (domain.PriceQuote, error) {
	out, err := o.call(ctx, feed, "latestRoundData")
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("chainlink: %s round data: %w: %v", asset, domain.ErrUnavailable, err)
	}

	var round struct {
		RoundId         *big.Int
		Answer          *big.Int
		StartedAt       *big.Int
		UpdatedAt       *big.Int
		AnsweredInRound *big.Int
	}
	if err := o.abi.UnpackIntoInterface(&round, "latestRoundData", out); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("chainlink: %s decode round data: %w", asset, err)
	}
	if round.Answer == nil || round.Answer.Sign() <= 0 {
		return domain.PriceQuote{}, fmt.Errorf("chainlink: %s: non-positive answer in round %s", asset, round.RoundId)
	}

	dec, err := o.feedDecimals(ctx, asset, feed)
	if err != nil {
		return domain.PriceQuote{}, err
	}

	return domain.PriceQuote{
		Asset:      asset,
		Price:      scaleAnswer(round.Answer, dec),
		ObservedAt: time.Unix(round.UpdatedAt.Int64(), 0).UTC(),
	}, nil
}

// feedDecimals returns the feed's decimals, reading the contract only on
// first use.
func (o *Oracle) feedDecimals(ctx context.Context, asset string, feed common.Address) (uint8, error) {
	o.mu.Lock()
	dec, ok := o.decimals[asset]
	o.mu.Unlock()
	if ok {
		return dec, nil
	}

	out, err := o.call(ctx, feed, "decimals")
	if err != nil {
		return 0, fmt.Errorf("chainlink: %s decimals: %w: %v", asset, domain.ErrUnavailable, err)
	}
	if err := o.abi.UnpackIntoInterface(&dec, "decimals", out); err != nil {
		return 0, fmt.Errorf("chainlink: %s decode decimals: %w", asset, err)
	}

	o.mu.Lock()
	o.decimals[asset] = dec
	o.mu.Unlock()
	return dec, nil
}

func (o *Oracle) call(ctx context.Context, to common.Address, method string) ([]byte, error) {
	data, err := o.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return o.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// scaleAnswer converts a fixed-point feed answer to a float, e.g. an 8
// decimal feed answer 320012345678 becomes 3200.12345678.
func scaleAnswer(answer *big.Int, decimals uint8) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(answer), scale).Float64()
	return f
}
