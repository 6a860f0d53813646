package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeClient is an in-process ledger used for local development and tests.
// Sent transactions are mined immediately unless configured otherwise.
type FakeClient struct {
	mu sync.Mutex

	chainID     *big.Int
	height      uint64
	balances    map[common.Address]*big.Int
	nonces      map[common.Address]uint64
	confirmed   map[common.Address]uint64
	receipts    map[common.Hash]*types.Receipt
	txs         map[common.Hash]*types.Transaction
	callResults map[string][]byte

	// Gas and FeeCap define the fee quote; Total = Gas * FeeCap.
	Gas    uint64
	FeeCap *big.Int
	TipCap *big.Int

	// EstimateErr, SimulateErr and ConfirmErr are returned from the matching call when set.
	EstimateErr error
	SimulateErr error
	ConfirmErr  error
	// SendErrs are consumed one per SendTransaction call.
	SendErrs []error
	// RevertReason makes every mined transaction fail with this reason.
	RevertReason string
	// Unconfirmed leaves sent transactions without a receipt.
	Unconfirmed bool
	// Hold leaves matching sent transactions without a receipt.
	Hold func(tx *types.Transaction) bool
	// OnSend may attach logs to the receipt of a mined transaction.
	OnSend func(tx *types.Transaction) []*types.Log

	Sent      []*types.Transaction
	SendCalls int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		chainID:     big.NewInt(1337),
		height:      1,
		balances:    make(map[common.Address]*big.Int),
		nonces:      make(map[common.Address]uint64),
		confirmed:   make(map[common.Address]uint64),
		receipts:    make(map[common.Hash]*types.Receipt),
		txs:         make(map[common.Hash]*types.Transaction),
		callResults: make(map[string][]byte),
		Gas:         21_000,
		FeeCap:      big.NewInt(1_000_000_000),
		TipCap:      big.NewInt(1_000_000_000),
	}
}

// SetBalance seeds the balance of an account.
func (f *FakeClient) SetBalance(account common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = new(big.Int).Set(wei)
}

// SetCallResult makes Call return out for messages whose data starts with selector.
func (f *FakeClient) SetCallResult(selector []byte, out []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callResults[hex.EncodeToString(selector)] = out
}

// SetReceipt stores a receipt for a transaction mined outside this client.
func (f *FakeClient) SetReceipt(receipt *types.Receipt, tx *types.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[receipt.TxHash] = receipt
	if tx != nil {
		f.txs[receipt.TxHash] = tx
		if from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx); err == nil {
			f.consume(from, tx.Nonce())
		}
	}
}

// Advance moves the block height forward.
func (f *FakeClient) Advance(blocks uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height += blocks
}

func (f *FakeClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeClient) Ping(context.Context) error { return nil }

func (f *FakeClient) Balance(_ context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *FakeClient) LatestBlockhash(context.Context) (Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Blockhash{
		Hash:            common.BigToHash(new(big.Int).SetUint64(f.height)),
		Height:          f.height,
		LastValidHeight: f.height + DefaultValidityWindow,
	}, nil
}

func (f *FakeClient) BlockHeight(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *FakeClient) Nonce(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *FakeClient) ConfirmedNonce(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed[account], nil
}

func (f *FakeClient) EstimateFee(context.Context, ethereum.CallMsg) (Fee, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.EstimateErr != nil {
		return Fee{}, f.EstimateErr
	}
	return Fee{
		Gas:    f.Gas,
		TipCap: new(big.Int).Set(f.TipCap),
		FeeCap: new(big.Int).Set(f.FeeCap),
		Total:  new(big.Int).Mul(f.FeeCap, new(big.Int).SetUint64(f.Gas)),
	}, nil
}

func (f *FakeClient) Simulate(_ context.Context, _ ethereum.CallMsg, atBlock *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Replays at a mined block reproduce the revert of a failed receipt.
	if atBlock != nil && f.RevertReason != "" {
		return &RevertError{Reason: f.RevertReason}
	}
	return f.SimulateErr
}

func (f *FakeClient) Call(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.Data) < 4 {
		return nil, nil
	}
	if out, ok := f.callResults[hex.EncodeToString(msg.Data[:4])]; ok {
		return out, nil
	}
	return nil, &RevertError{Reason: "no call result configured"}
}

func (f *FakeClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.SendCalls
	f.SendCalls++
	if idx < len(f.SendErrs) && f.SendErrs[idx] != nil {
		return f.SendErrs[idx]
	}

	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	if tx.Nonce() < f.confirmed[from] {
		return errors.New("nonce too low")
	}
	if tx.Nonce() >= f.nonces[from] {
		f.nonces[from] = tx.Nonce() + 1
	}
	f.Sent = append(f.Sent, tx)
	f.txs[tx.Hash()] = tx
	if f.Unconfirmed || (f.Hold != nil && f.Hold(tx)) {
		return nil
	}

	var logs []*types.Log
	if f.RevertReason == "" && f.OnSend != nil {
		logs = f.OnSend(tx)
	}
	f.mine(from, tx, logs, f.RevertReason != "")
	return nil
}

// mine includes tx in a new block unless its nonce was already used.
func (f *FakeClient) mine(from common.Address, tx *types.Transaction, logs []*types.Log, reverted bool) bool {
	if tx.Nonce() < f.confirmed[from] {
		return false
	}
	f.consume(from, tx.Nonce())
	f.height++
	receipt := &types.Receipt{
		Type:        tx.Type(),
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		GasUsed:     tx.Gas(),
		Logs:        logs,
		BlockNumber: new(big.Int).SetUint64(f.height),
	}
	if reverted {
		receipt.Status = types.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = receipt
	return true
}

func (f *FakeClient) consume(from common.Address, nonce uint64) {
	if nonce >= f.confirmed[from] {
		f.confirmed[from] = nonce + 1
	}
	if f.confirmed[from] > f.nonces[from] {
		f.nonces[from] = f.confirmed[from]
	}
}

func (f *FakeClient) ConfirmTransaction(_ context.Context, sig common.Hash, lastValidHeight uint64) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfirmErr != nil {
		return nil, f.ConfirmErr
	}
	if r, ok := f.receipts[sig]; ok {
		return r, nil
	}
	// Nothing will mine it: the height runs past the window.
	if f.height <= lastValidHeight {
		f.height = lastValidHeight + 1
	}
	return nil, ErrBlockhashExpired
}

func (f *FakeClient) TransactionReceipt(_ context.Context, sig common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[sig]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (f *FakeClient) TransactionByHash(_ context.Context, sig common.Hash) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[sig]; ok {
		return tx, nil
	}
	return nil, ErrNotFound
}

// Mine produces a receipt for a transaction previously left unconfirmed.
// A sent transaction whose nonce was taken by another one stays unmined and
// Mine reports false.
func (f *FakeClient) Mine(sig common.Hash, logs []*types.Log) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.txs[sig]; ok {
		if from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx); err == nil {
			return f.mine(from, tx, logs, false)
		}
	}
	f.height++
	f.receipts[sig] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      sig,
		Logs:        logs,
		BlockNumber: new(big.Int).SetUint64(f.height),
	}
	return true
}
