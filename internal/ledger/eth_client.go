package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// EthClient talks to an EVM JSON-RPC endpoint.
type EthClient struct {
	client            *ethclient.Client
	chainID           *big.Int
	validityWindow    uint64
	confirmationDepth uint64
	pollInterval      time.Duration
}

type EthClientConfig struct {
	RPCURL            string
	ValidityWindow    uint64
	ConfirmationDepth uint64
	PollInterval      time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	c := &EthClient{
		client:            cli,
		chainID:           chainID,
		validityWindow:    cfg.ValidityWindow,
		confirmationDepth: cfg.ConfirmationDepth,
		pollInterval:      cfg.PollInterval,
	}
	if c.validityWindow == 0 {
		c.validityWindow = DefaultValidityWindow
	}
	if c.confirmationDepth == 0 {
		c.confirmationDepth = 1
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	return c, nil
}

func (c *EthClient) Close() {
	c.client.Close()
}

func (c *EthClient) Ping(ctx context.Context) error {
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *EthClient) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	return c.client.BalanceAt(ctx, account, nil)
}

func (c *EthClient) LatestBlockhash(ctx context.Context) (Blockhash, error) {
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Blockhash{}, fmt.Errorf("latest header: %w", err)
	}
	height := head.Number.Uint64()
	return Blockhash{
		Hash:            head.Hash(),
		Height:          height,
		LastValidHeight: height + c.validityWindow,
	}, nil
}

func (c *EthClient) BlockHeight(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

func (c *EthClient) Nonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.client.PendingNonceAt(ctx, account)
}

func (c *EthClient) ConfirmedNonce(ctx context.Context, account common.Address) (uint64, error) {
	return c.client.NonceAt(ctx, account, nil)
}

func (c *EthClient) EstimateFee(ctx context.Context, msg ethereum.CallMsg) (Fee, error) {
	gas, err := c.client.EstimateGas(ctx, msg)
	if err != nil {
		return Fee{}, revertFromError(err)
	}
	// 20% headroom over the node estimate.
	gas = gas * 6 / 5

	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return Fee{}, fmt.Errorf("latest header: %w", err)
	}

	var tip, feeCap *big.Int
	if head.BaseFee == nil {
		price, err := c.client.SuggestGasPrice(ctx)
		if err != nil {
			return Fee{}, fmt.Errorf("gas price: %w", err)
		}
		tip, feeCap = price, price
	} else {
		tip, err = c.client.SuggestGasTipCap(ctx)
		if err != nil {
			return Fee{}, fmt.Errorf("gas tip: %w", err)
		}
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}

	return Fee{
		Gas:    gas,
		TipCap: tip,
		FeeCap: feeCap,
		Total:  new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas)),
	}, nil
}

func (c *EthClient) Simulate(ctx context.Context, msg ethereum.CallMsg, atBlock *big.Int) error {
	_, err := c.client.CallContract(ctx, msg, atBlock)
	if err != nil {
		return revertFromError(err)
	}
	return nil
}

func (c *EthClient) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	out, err := c.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, revertFromError(err)
	}
	return out, nil
}

func (c *EthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.client.SendTransaction(ctx, tx)
}

func (c *EthClient) TransactionReceipt(ctx context.Context, sig common.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, sig)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrNotFound
	}
	return receipt, err
}

func (c *EthClient) TransactionByHash(ctx context.Context, sig common.Hash) (*types.Transaction, error) {
	tx, _, err := c.client.TransactionByHash(ctx, sig)
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrNotFound
	}
	return tx, err
}

// ConfirmTransaction polls until the receipt is buried under the configured
// confirmation depth, the blockhash expires, or ctx is cancelled.
func (c *EthClient) ConfirmTransaction(ctx context.Context, sig common.Hash, lastValidHeight uint64) (*types.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		head, err := c.client.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("block height: %w", err)
		}

		receipt, err := c.client.TransactionReceipt(ctx, sig)
		switch {
		case err == nil && receipt != nil:
			if head+1 >= receipt.BlockNumber.Uint64()+c.confirmationDepth {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			return nil, err
		default:
			if lastValidHeight > 0 && head > lastValidHeight {
				return nil, ErrBlockhashExpired
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// revertFromError turns a JSON-RPC revert into a RevertError, decoding the
// Error(string) payload when present.
func revertFromError(err error) error {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return err
	}
	raw, ok := dataErr.ErrorData().(string)
	if !ok {
		return &RevertError{Reason: err.Error()}
	}
	data, decodeErr := hexutil.Decode(raw)
	if decodeErr != nil {
		return &RevertError{Reason: err.Error()}
	}
	reason, unpackErr := abi.UnpackRevert(data)
	if unpackErr != nil {
		reason = err.Error()
	}
	return &RevertError{Reason: reason, Data: data}
}
