package aave

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/positionguard/positionguard/internal/domain"
)

// Backend is the slice of the RPC client the executor needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ExecutorConfig holds the executor's chain parameters.
type ExecutorConfig struct {
	// Pool is the lending pool hex address.
	Pool string
	// ChainID selects the transaction signer.
	ChainID int64
	// GasLimit caps each transaction. Zero selects 500000.
	GasLimit uint64
	// ApprovalWait bounds how long a prerequisite ERC-20 approval may take
	// to mine. Zero selects 2m.
	ApprovalWait time.Duration
	// ApprovalPoll is the receipt polling interval while waiting for an
	// approval. Zero selects 3s.
	ApprovalPoll time.Duration
}

// TxExecutor signs and submits mitigation transactions to the lending pool.
type TxExecutor struct {
	backend      Backend
	poolABI      abi.ABI
	erc20ABI     abi.ABI
	pool         common.Address
	assets       map[string]Asset
	key          *ecdsa.PrivateKey
	from         common.Address
	signer       types.Signer
	gasLimit     uint64
	approvalWait time.Duration
	approvalPoll time.Duration
	logger       *slog.Logger
}

var _ domain.ActionExecutor = (*TxExecutor)(nil)

// NewTxExecutor creates an executor signing as the given key. The key's
// address is used as onBehalfOf and withdrawal target.
func NewTxExecutor(backend Backend, cfg ExecutorConfig, assets map[string]Asset, key *ecdsa.PrivateKey, logger *slog.Logger) (*TxExecutor, error) {
	if !common.IsHexAddress(cfg.Pool) {
		return nil, fmt.Errorf("aave: invalid pool address %q", cfg.Pool)
	}
	if key == nil {
		return nil, fmt.Errorf("aave: executor requires a signing key")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500000
	}
	if cfg.ApprovalWait <= 0 {
		cfg.ApprovalWait = 2 * time.Minute
	}
	if cfg.ApprovalPoll <= 0 {
		cfg.ApprovalPoll = 3 * time.Second
	}

	poolABI, erc20, err := parseABIs()
	if err != nil {
		return nil, err
	}

	return &TxExecutor{
		backend:      backend,
		poolABI:      poolABI,
		erc20ABI:     erc20,
		pool:         common.HexToAddress(cfg.Pool),
		assets:       assets,
		key:          key,
		from:         ethcrypto.PubkeyToAddress(key.PublicKey),
		signer:       types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		gasLimit:     cfg.GasLimit,
		approvalWait: cfg.ApprovalWait,
		approvalPoll: cfg.ApprovalPoll,
		logger:       logger.With(slog.String("component", "aave_executor")),
	}, nil
}

// From returns the signing address.
func (e *TxExecutor) From() common.Address { return e.from }

// Submit maps the approved action to a pool call and sends it. Deposits and
// repayments first ensure the pool has a sufficient ERC-20 allowance.
func (e *TxExecutor) Submit(ctx context.Context, action domain.RecommendedAction) (domain.TxHandle, error) {
	asset, ok := e.assets[action.Asset]
	if !ok {
		return domain.TxHandle{}, fmt.Errorf("aave: %w: unknown asset %q", domain.ErrExecution, action.Asset)
	}
	amount := toUnits(action.Amount, asset.Decimals)
	if amount.Sign() <= 0 {
		return domain.TxHandle{}, fmt.Errorf("aave: %w: non-positive amount %f", domain.ErrExecution, action.Amount)
	}

	var (
		method string
		data   []byte
		err    error
	)
	switch action.Kind {
	case domain.ActionAddCollateral:
		if err := e.ensureAllowance(ctx, asset, amount); err != nil {
			return domain.TxHandle{}, err
		}
		method = "deposit"
		data, err = e.poolABI.Pack("deposit", asset.Underlying, amount, e.from, uint16(0))
	case domain.ActionRepayDebt:
		if err := e.ensureAllowance(ctx, asset, amount); err != nil {
			return domain.TxHandle{}, err
		}
		method = "repay"
		data, err = e.poolABI.Pack("repay", asset.Underlying, amount, big.NewInt(variableRateMode), e.from)
	case domain.ActionWithdraw:
		method = "withdraw"
		data, err = e.poolABI.Pack("withdraw", asset.Underlying, amount, e.from)
	default:
		return domain.TxHandle{}, fmt.Errorf("aave: %w: unsupported action %q", domain.ErrExecution, action.Kind)
	}
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("aave: pack %s: %w", method, err)
	}

	tx, err := e.sendTx(ctx, e.pool, data)
	if err != nil {
		return domain.TxHandle{}, fmt.Errorf("aave: %s: %w", method, err)
	}

	e.logger.InfoContext(ctx, "aave: transaction sent",
		slog.String("method", method),
		slog.String("asset", action.Asset),
		slog.Float64("amount", action.Amount),
		slog.String("tx_hash", tx.Hash().Hex()),
	)

	return domain.TxHandle{Hash: tx.Hash().Hex()}, nil
}

// Poll reports the chain's view of a submitted transaction.
func (e *TxExecutor) Poll(ctx context.Context, handle domain.TxHandle) (domain.TxStatus, error) {
	receipt, err := e.backend.TransactionReceipt(ctx, common.HexToHash(handle.Hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return domain.TxPending, nil
		}
		return "", fmt.Errorf("aave: receipt %s: %w: %v", handle.Hash, domain.ErrUnavailable, err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return domain.TxConfirmed, nil
	}
	return domain.TxFailed, nil
}

// ensureAllowance grants the pool a sufficient allowance on the underlying
// token, waiting for the approval to mine before the main transaction goes
// out.
func (e *TxExecutor) ensureAllowance(ctx context.Context, asset Asset, amount *big.Int) error {
	data, err := e.erc20ABI.Pack("allowance", e.from, e.pool)
	if err != nil {
		return fmt.Errorf("aave: pack allowance: %w", err)
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &asset.Underlying, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("aave: allowance: %w: %v", domain.ErrUnavailable, err)
	}
	var allowance *big.Int
	if err := e.erc20ABI.UnpackIntoInterface(&allowance, "allowance", out); err != nil {
		return fmt.Errorf("aave: decode allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	approveData, err := e.erc20ABI.Pack("approve", e.pool, amount)
	if err != nil {
		return fmt.Errorf("aave: pack approve: %w", err)
	}
	tx, err := e.sendTx(ctx, asset.Underlying, approveData)
	if err != nil {
		return fmt.Errorf("aave: approve: %w", err)
	}

	e.logger.InfoContext(ctx, "aave: approval sent",
		slog.String("tx_hash", tx.Hash().Hex()),
	)

	return e.waitMined(ctx, tx.Hash())
}

// waitMined polls for a receipt until the approval deadline.
func (e *TxExecutor) waitMined(ctx context.Context, hash common.Hash) error {
	wctx, cancel := context.WithTimeout(ctx, e.approvalWait)
	defer cancel()

	ticker := time.NewTicker(e.approvalPoll)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(wctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("aave: %w: approval %s reverted", domain.ErrExecution, hash.Hex())
			}
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("aave: approval receipt: %w: %v", domain.ErrUnavailable, err)
		}

		select {
		case <-wctx.Done():
			return fmt.Errorf("aave: %w: approval %s not mined in %s", domain.ErrExecution, hash.Hex(), e.approvalWait)
		case <-ticker.C:
		}
	}
}

// sendTx builds, signs, and broadcasts a legacy transaction.
func (e *TxExecutor) sendTx(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w: %v", domain.ErrUnavailable, err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w: %v", domain.ErrUnavailable, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      e.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, e.signer, e.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w: %v", domain.ErrExecution, err)
	}
	return signed, nil
}
