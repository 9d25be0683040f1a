package onchain

import (
	"context"
	"math/big"
	"testing"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

const testConditionID = "0x1234567890123456789012345678901234567890123456789012345678901abc"
const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fakeBackend struct {
	nonce       uint64
	gasPrice    *big.Int
	gasPriceErr error
	estGas      uint64
	estGasErr   error
	sendErr     error
	sent        []*ethtypes.Transaction
	receipt     *ethtypes.Receipt
	receiptErr  error
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, f.gasPriceErr
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.estGas, f.estGasErr
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	f.sent = append(f.sent, tx)
	return f.sendErr
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func newTestClient(t *testing.T, backend *fakeBackend) *Client {
	t.Helper()
	c, err := newWithBackend(backend, testPrivateKey)
	if err != nil {
		t.Fatalf("newWithBackend: %v", err)
	}
	return c
}

func TestMergeSendsTransactionAndReturnsHashWithoutReceipt(t *testing.T) {
	backend := &fakeBackend{
		nonce:      3,
		gasPrice:   big.NewInt(30_000_000_000),
		estGas:     150_000,
		receiptErr: context.DeadlineExceeded,
	}
	c := newTestClient(t, backend)

	txHash, err := c.Merge(context.Background(), testConditionID, decimal.RequireFromString("5"), false)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if txHash == "" {
		t.Fatalf("expected non-empty tx hash")
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected exactly one transaction sent, got %d", len(backend.sent))
	}
	if backend.sent[0].Nonce() != 3 {
		t.Fatalf("expected nonce 3, got %d", backend.sent[0].Nonce())
	}
}

func TestSplitConfirmsSuccessfulReceipt(t *testing.T) {
	backend := &fakeBackend{
		nonce:    1,
		gasPrice: big.NewInt(30_000_000_000),
		estGas:   150_000,
		receipt:  &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful},
	}
	c := newTestClient(t, backend)

	txHash, err := c.Split(context.Background(), testConditionID, decimal.RequireFromString("10"), false)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if txHash == "" {
		t.Fatalf("expected non-empty tx hash")
	}
}

func TestSplitReturnsErrorOnRevertedReceipt(t *testing.T) {
	backend := &fakeBackend{
		nonce:    1,
		gasPrice: big.NewInt(30_000_000_000),
		estGas:   150_000,
		receipt:  &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed},
	}
	c := newTestClient(t, backend)

	_, err := c.Split(context.Background(), testConditionID, decimal.RequireFromString("10"), false)
	if err == nil {
		t.Fatalf("expected error on reverted receipt")
	}
}

func TestNegRiskRejected(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	_, err := c.Merge(context.Background(), testConditionID, decimal.RequireFromString("1"), true)
	if err == nil {
		t.Fatalf("expected negRisk to be rejected")
	}
}

func TestInvalidConditionIDRejected(t *testing.T) {
	c := newTestClient(t, &fakeBackend{})
	_, err := c.Merge(context.Background(), "not-a-condition-id", decimal.RequireFromString("1"), false)
	if err == nil {
		t.Fatalf("expected invalid conditionID to error")
	}
}

func TestGasPriceCachedWithinWindow(t *testing.T) {
	backend := &fakeBackend{
		nonce:    1,
		gasPrice: big.NewInt(20_000_000_000),
		estGas:   150_000,
		receipt:  &ethtypes.Receipt{Status: ethtypes.ReceiptStatusSuccessful},
	}
	c := newTestClient(t, backend)

	if _, err := c.Merge(context.Background(), testConditionID, decimal.RequireFromString("1"), false); err != nil {
		t.Fatalf("first merge: %v", err)
	}
	backend.gasPrice = big.NewInt(99_000_000_000)
	if _, err := c.Merge(context.Background(), testConditionID, decimal.RequireFromString("1"), false); err != nil {
		t.Fatalf("second merge: %v", err)
	}

	if backend.sent[0].GasPrice().Cmp(backend.sent[1].GasPrice()) != 0 {
		t.Fatalf("expected cached gas price reused across calls within the window")
	}
}
