package transactions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/rampledger/internal/ledger"
	"github.com/angelmondragon/rampledger/pkg/db/models"
	"github.com/angelmondragon/rampledger/pkg/enums"
	pkgerrors "github.com/angelmondragon/rampledger/pkg/errors"
)

func seed(t *testing.T, store ledger.Store, txID string, status enums.TransactionStatus) {
	t.Helper()
	_, created, err := store.CreateIfAbsent(context.Background(), &models.Transaction{
		TxID:             txID,
		Provider:         enums.ProviderMercuryo,
		Coin:             "USDT.TRC20",
		Currency:         enums.CurrencyUSD,
		Amount:           decimal.NewFromInt(102),
		MerchantReceived: decimal.NewFromInt(100),
		AdminFee:         decimal.NewFromInt(2),
		Address:          "TWallet1",
		BuyerEmail:       "buyer@example.com",
		Status:           status,
		PaymentMethodRef: "mq-payment-" + txID,
		History: []models.TransactionHistory{
			{Status: status, UpdatedBy: "mercuryo", Reason: "webhook received"},
		},
	})
	require.NoError(t, err)
	require.True(t, created)
}

func newMachine(t *testing.T, store ledger.Store, refunder Refunder) *Machine {
	t.Helper()
	m, err := NewMachine(MachineParams{Store: store, Refunder: refunder})
	require.NoError(t, err)
	return m
}

func TestNewMachineRequiresStore(t *testing.T) {
	_, err := NewMachine(MachineParams{})
	require.Error(t, err)
}

func TestApproveFromPending(t *testing.T) {
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusPending)
	m := newMachine(t, store, nil)

	res, err := m.Approve(context.Background(), "TX1", "ops")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, enums.TransactionStatusConfirmed, res.Tx.Status)
	require.Len(t, res.Tx.History, 2)
	assert.Equal(t, "ops", res.Tx.History[1].UpdatedBy)
}

func TestApproveOnConfirmedIsIllegal(t *testing.T) {
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	m := newMachine(t, store, nil)

	_, err := m.Approve(context.Background(), "TX1", "ops")
	require.Error(t, err)
	assert.True(t, IsIllegalTransition(err))

	row, _ := store.FindByExternalID(context.Background(), "TX1")
	assert.Len(t, row.History, 1)
}

func TestFreezeBlocksApproveUntilUnfrozen(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusPending)
	m := newMachine(t, store, nil)

	res, err := m.Freeze(ctx, "TX1", "ops")
	require.NoError(t, err)
	assert.True(t, res.Tx.IsFrozen)
	assert.Equal(t, enums.TransactionStatusPending, res.Tx.Status)

	_, err = m.Approve(ctx, "TX1", "ops")
	assert.True(t, IsIllegalTransition(err))

	_, err = m.Unfreeze(ctx, "TX1", "ops")
	require.NoError(t, err)

	res, err = m.Approve(ctx, "TX1", "ops")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusConfirmed, res.Tx.Status)
	assert.False(t, res.Tx.IsFrozen)
	assert.Len(t, res.Tx.History, 4)
}

func TestFreezeAndUnfreezeAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	m := newMachine(t, store, nil)

	res, err := m.Unfreeze(ctx, "TX1", "ops")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	_, err = m.Freeze(ctx, "TX1", "ops")
	require.NoError(t, err)
	res, err = m.Freeze(ctx, "TX1", "ops")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Len(t, res.Tx.History, 2)
}

func TestFreezeRejectsTerminal(t *testing.T) {
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusRefunded)
	m := newMachine(t, store, nil)

	_, err := m.Freeze(context.Background(), "TX1", "ops")
	assert.True(t, IsIllegalTransition(err))
}

func TestConcurrentFreezeWritesOneEntry(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusPending)
	m := newMachine(t, store, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Freeze(ctx, "TX1", "ops")
			if err != nil {
				t.Errorf("freeze: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	row, err := store.FindByExternalID(ctx, "TX1")
	require.NoError(t, err)
	assert.True(t, row.IsFrozen)
	assert.Len(t, row.History, 2)
}

func TestApplyUnknownTransaction(t *testing.T) {
	m := newMachine(t, ledger.NewMemoryStore(), nil)
	_, err := m.Approve(context.Background(), "NOPE", "ops")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestProviderConfirmAndFail(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusPending)
	seed(t, store, "TX2", enums.TransactionStatusConfirmed)
	m := newMachine(t, store, nil)

	res, err := m.Apply(ctx, "TX1", ActionConfirm, "coinpayments", "payment completed")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusConfirmed, res.Tx.Status)

	res, err = m.Apply(ctx, "TX1", ActionConfirm, "coinpayments", "payment completed")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	res, err = m.Apply(ctx, "TX2", ActionFail, "mercuryo", "payment failed")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusFailed, res.Tx.Status)

	_, err = m.Apply(ctx, "TX2", ActionConfirm, "mercuryo", "payment completed")
	assert.True(t, IsIllegalTransition(err))
}

func TestSettleAndDeferSettlement(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	m := newMachine(t, store, nil)

	res, err := m.DeferSettlement(ctx, "TX1", "system", "timeout")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusConfirmed, res.Tx.Status)
	assert.Equal(t, enums.SettlementStateDeferred, res.Tx.Settlement)
	assert.Equal(t, "settlement deferred: timeout", res.Tx.History[1].Reason)

	res, err = m.Settle(ctx, "TX1", "system", "WD-1")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusWithdrawn, res.Tx.Status)
	assert.Equal(t, enums.SettlementStateSettled, res.Tx.Settlement)
	assert.Equal(t, "WD-1", res.Tx.SettlementRef)

	res, err = m.Settle(ctx, "TX1", "system", "WD-2")
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

// flakyStore loses the first n status CAS attempts as if another writer got there first.
type flakyStore struct {
	ledger.Store
	mu       sync.Mutex
	failures int
	calls    int
	onFail   func()
}

func (f *flakyStore) UpdateStatus(ctx context.Context, txID string, change ledger.Transition) (*models.Transaction, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		if f.onFail != nil {
			f.onFail()
		}
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "lost race")
	}
	return f.Store.UpdateStatus(ctx, txID, change)
}

func TestApplyRetriesConflicts(t *testing.T) {
	mem := ledger.NewMemoryStore()
	seed(t, mem, "TX1", enums.TransactionStatusPending)
	store := &flakyStore{Store: mem, failures: 2}
	m := newMachine(t, store, nil)

	res, err := m.Approve(context.Background(), "TX1", "ops")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, 3, store.calls)
}

func TestApplyGivesUpAfterBoundedRetries(t *testing.T) {
	mem := ledger.NewMemoryStore()
	seed(t, mem, "TX1", enums.TransactionStatusPending)
	store := &flakyStore{Store: mem, failures: 100}
	m := newMachine(t, store, nil)

	_, err := m.Approve(context.Background(), "TX1", "ops")
	require.Error(t, err)
	assert.True(t, ledger.IsConflict(err))
	assert.Equal(t, defaultMaxRetries+1, store.calls)
}

func TestApproveLosingRaceToApproveIsNoop(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore()
	seed(t, mem, "TX1", enums.TransactionStatusPending)
	other := newMachine(t, mem, nil)
	store := &flakyStore{Store: mem, failures: 1, onFail: func() {
		_, err := other.Approve(ctx, "TX1", "ops-2")
		require.NoError(t, err)
	}}
	m := newMachine(t, store, nil)

	res, err := m.Approve(ctx, "TX1", "ops-1")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, enums.TransactionStatusConfirmed, res.Tx.Status)
	assert.Len(t, res.Tx.History, 2)
}

type fakeRefunder struct {
	mu    sync.Mutex
	calls []RefundRequest
	err   error
}

func (f *fakeRefunder) Refund(_ context.Context, req RefundRequest) (RefundReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return RefundReceipt{}, f.err
	}
	return RefundReceipt{Reference: "RF-1"}, nil
}

func TestRefundToOriginalMethod(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	refunder := &fakeRefunder{}
	m := newMachine(t, store, refunder)

	res, err := m.Refund(ctx, "TX1", "ops", Destination{})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, enums.TransactionStatusRefunded, res.Tx.Status)
	require.Len(t, refunder.calls, 1)
	assert.Equal(t, "mq-payment-TX1", refunder.calls[0].PaymentMethodRef)
	assert.True(t, refunder.calls[0].Amount.Equal(decimal.NewFromInt(102)))
	assert.Equal(t, "refunded to original payment method (ref RF-1)", res.Tx.History[1].Reason)

	res, err = m.Refund(ctx, "TX1", "ops", Destination{})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Len(t, refunder.calls, 1)
}

func TestRefundToAlternateCardMasksNumber(t *testing.T) {
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusPending)
	refunder := &fakeRefunder{}
	m := newMachine(t, store, refunder)

	card := &Card{Number: "4242424242424242", Expiry: "12/29"}
	res, err := m.Refund(context.Background(), "TX1", "ops", Destination{AlternateCard: card})
	require.NoError(t, err)
	assert.Equal(t, "refunded to alternate card ending 4242 (ref RF-1)", res.Tx.History[1].Reason)
	assert.NotContains(t, res.Tx.History[1].Reason, card.Number)
	assert.Empty(t, refunder.calls[0].PaymentMethodRef)
	assert.Equal(t, card, refunder.calls[0].Card)
}

func TestRefundProviderFailureLeavesStatus(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	m := newMachine(t, store, &fakeRefunder{err: errors.New("card declined")})

	_, err := m.Refund(ctx, "TX1", "ops", Destination{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))

	row, _ := store.FindByExternalID(ctx, "TX1")
	assert.Equal(t, enums.TransactionStatusConfirmed, row.Status)
	assert.Len(t, row.History, 1)
}

func TestRefundRejectedWhileFrozen(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	refunder := &fakeRefunder{}
	m := newMachine(t, store, refunder)

	_, err := m.Freeze(ctx, "TX1", "ops")
	require.NoError(t, err)
	_, err = m.Refund(ctx, "TX1", "ops", Destination{})
	assert.True(t, IsIllegalTransition(err))
	assert.Empty(t, refunder.calls)

	_, err = m.Unfreeze(ctx, "TX1", "ops")
	require.NoError(t, err)
	res, err := m.Refund(ctx, "TX1", "ops", Destination{})
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusRefunded, res.Tx.Status)
}

func TestRefundWithoutOriginalMethodNeedsCard(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	_, _, err := store.CreateIfAbsent(ctx, &models.Transaction{
		TxID:     "CP1",
		Provider: enums.ProviderCoinPayments,
		Status:   enums.TransactionStatusConfirmed,
		Amount:   decimal.NewFromInt(10),
		History:  []models.TransactionHistory{{Status: enums.TransactionStatusConfirmed, UpdatedBy: "coinpayments", Reason: "ipn"}},
	})
	require.NoError(t, err)
	refunder := &fakeRefunder{}
	m := newMachine(t, store, refunder)

	_, err = m.Refund(ctx, "CP1", "ops", Destination{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	assert.Empty(t, refunder.calls)
}

func TestRefundCommitRetriesWithoutSecondProviderCall(t *testing.T) {
	mem := ledger.NewMemoryStore()
	seed(t, mem, "TX1", enums.TransactionStatusConfirmed)
	store := &flakyStore{Store: mem, failures: 1}
	refunder := &fakeRefunder{}
	m := newMachine(t, store, refunder)

	res, err := m.Refund(context.Background(), "TX1", "ops", Destination{})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Len(t, refunder.calls, 1)
	assert.Equal(t, 2, store.calls)
}

// gatedRefunder holds every provider call until release is closed.
type gatedRefunder struct {
	fakeRefunder
	entered chan struct{}
	release chan struct{}
}

func newGatedRefunder() *gatedRefunder {
	return &gatedRefunder{entered: make(chan struct{}, 10), release: make(chan struct{})}
}

func (g *gatedRefunder) Refund(ctx context.Context, req RefundRequest) (RefundReceipt, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeRefunder.Refund(ctx, req)
}

func TestConcurrentRefundsCallProviderOnce(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	refunder := newGatedRefunder()
	m := newMachine(t, store, refunder)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Refund(ctx, "TX1", "ops", Destination{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Applied:
				applied++
			case err == nil:
			case IsIllegalTransition(err):
				rejected++
			default:
				t.Errorf("refund: %v", err)
			}
		}()
	}

	<-refunder.entered
	close(refunder.release)
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Len(t, refunder.calls, 1)
	row, err := store.FindByExternalID(ctx, "TX1")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusRefunded, row.Status)
	assert.Equal(t, enums.RefundStateRefunded, row.RefundState)
	assert.Len(t, row.History, 2)
}

func TestFreezeDuringRefundIsRejected(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	refunder := newGatedRefunder()
	m := newMachine(t, store, refunder)

	done := make(chan error, 1)
	go func() {
		_, err := m.Refund(ctx, "TX1", "ops", Destination{})
		done <- err
	}()
	<-refunder.entered

	_, err := m.Freeze(ctx, "TX1", "ops-2")
	assert.True(t, IsIllegalTransition(err))
	_, err = m.Apply(ctx, "TX1", ActionFail, "mercuryo", "payment failed")
	assert.True(t, IsIllegalTransition(err))

	close(refunder.release)
	require.NoError(t, <-done)

	row, err := store.FindByExternalID(ctx, "TX1")
	require.NoError(t, err)
	assert.Equal(t, enums.TransactionStatusRefunded, row.Status)
	assert.False(t, row.IsFrozen)
	assert.Len(t, row.History, 2)
}

func TestRefundProviderFailureReleasesClaim(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	refunder := &fakeRefunder{err: errors.New("card declined")}
	m := newMachine(t, store, refunder)

	_, err := m.Refund(ctx, "TX1", "ops", Destination{})
	require.Error(t, err)
	row, _ := store.FindByExternalID(ctx, "TX1")
	assert.Equal(t, enums.RefundStateNone, row.RefundState)

	_, err = m.Freeze(ctx, "TX1", "ops")
	require.NoError(t, err)
	_, err = m.Unfreeze(ctx, "TX1", "ops")
	require.NoError(t, err)

	refunder.err = nil
	res, err := m.Refund(ctx, "TX1", "ops", Destination{})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.Len(t, refunder.calls, 2)
	assert.Equal(t, "TX1", refunder.calls[1].TxID)
}

func TestRefundRefusedOnceWithdrawalRecorded(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	seed(t, store, "TX1", enums.TransactionStatusConfirmed)
	refunder := &fakeRefunder{}
	m := newMachine(t, store, refunder)

	res, err := m.RecordSubmittedSettlement(ctx, "TX1", "system", "WD-9", "transaction is frozen")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, enums.TransactionStatusConfirmed, res.Tx.Status)
	assert.Equal(t, enums.SettlementStateSubmitted, res.Tx.Settlement)
	assert.Equal(t, "withdrawal submitted (ref WD-9) but not recorded: transaction is frozen", res.Tx.History[1].Reason)

	res, err = m.RecordSubmittedSettlement(ctx, "TX1", "system", "WD-9", "")
	require.NoError(t, err)
	assert.False(t, res.Applied)

	_, err = m.Refund(ctx, "TX1", "ops", Destination{})
	assert.True(t, IsIllegalTransition(err))
	assert.Empty(t, refunder.calls)

	_, err = store.ClaimRefund(ctx, "TX1", enums.TransactionStatusConfirmed)
	assert.True(t, ledger.IsConflict(err))
}

func TestRefundersDispatchByProvider(t *testing.T) {
	mercuryo := &fakeRefunder{}
	r := Refunders{enums.ProviderMercuryo: mercuryo}

	_, err := r.Refund(context.Background(), RefundRequest{Provider: enums.ProviderMercuryo})
	require.NoError(t, err)
	assert.Len(t, mercuryo.calls, 1)

	_, err = r.Refund(context.Background(), RefundRequest{Provider: enums.ProviderCoinPayments})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}
