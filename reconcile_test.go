package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reconFixture struct {
	ex       *fakeExchange
	notifier *recordingNotifier
	engine   *TaskEngine
	recon    *OrderReconciler
	now      time.Time
}

func newReconFixture(t *testing.T, ttl time.Duration) *reconFixture {
	t.Helper()
	f := &reconFixture{ex: newFakeExchange(), notifier: &recordingNotifier{}, now: testT0}
	alloc := NewWalletAllocator(testPolicy(), f.ex)
	f.engine = NewTaskEngine(testPair, DefaultThresholds(), EngineDeps{
		Store:     NewCandleStore(0),
		Exchange:  f.ex,
		Allocator: alloc,
		Notifier:  f.notifier,
	})
	f.recon = NewOrderReconciler(testPair, ttl, f.ex, alloc, f.engine, f.notifier, nil)
	f.recon.now = func() time.Time { return f.now }
	f.engine.OnSubmit(f.recon.TrackSubmitted)
	return f
}

func TestReconcileCancelsStaleBuyUntilSuccess(t *testing.T) {
	f := newReconFixture(t, 300*time.Second)
	f.recon.Track(TrackedOrder{ID: "b1", Side: SideBuy, SubmittedAt: testT0})
	f.ex.infos["b1"] = &OrderInfo{ID: "b1", Side: SideBuy, Status: StatusOpen, Rate: 100, Amount: 1, CreatedAt: testT0}
	boom := errors.New("venue busy")
	f.ex.cancelErrs = []error{boom, boom, nil}
	ctx := context.Background()

	f.now = testT0.Add(300 * time.Second)
	require.NoError(t, f.recon.Reconcile(ctx))
	assert.Zero(t, f.ex.cancelCalls, "not stale yet")

	f.now = testT0.Add(301 * time.Second)
	assert.Error(t, f.recon.Reconcile(ctx))
	assert.Equal(t, 1, f.ex.cancelCalls)
	assert.Len(t, f.recon.Tracked(), 1)

	assert.Error(t, f.recon.Reconcile(ctx))
	assert.Equal(t, 2, f.ex.cancelCalls)

	require.NoError(t, f.recon.Reconcile(ctx))
	assert.Equal(t, 3, f.ex.cancelCalls)
	assert.Empty(t, f.recon.Tracked())
	assert.Len(t, f.notifier.messages(), 1, "cancel failure is notified once per order")
}

func TestReconcileStaleBuyWithExecutedPartStartsSell(t *testing.T) {
	f := newReconFixture(t, 300*time.Second)
	f.ex.balances = map[string]float64{"BTC": 0.4}
	f.recon.Track(TrackedOrder{ID: "b1", Side: SideBuy, SubmittedAt: testT0})
	f.ex.infos["b1"] = &OrderInfo{ID: "b1", Side: SideBuy, Status: StatusOpen, Rate: 100, Amount: 1, FilledAmount: 0.4, CreatedAt: testT0}

	f.now = testT0.Add(301 * time.Second)
	require.NoError(t, f.recon.Reconcile(context.Background()))

	assert.Equal(t, 1, f.ex.cancelCalls)
	assert.Empty(t, f.recon.Tracked())
	task := f.engine.Task()
	require.NotNil(t, task, "executed coin must be watched for a sell")
	assert.Equal(t, TaskSell, task.Kind)
	assert.Equal(t, 0.4, task.Amount)
	assert.Equal(t, 101.4, task.TargetPrice)
	require.Len(t, f.notifier.messages(), 1)
	assert.Contains(t, f.notifier.messages()[0], "Partially bought")
}

func TestReconcileStaleBuyUsesFinalExecutedAmount(t *testing.T) {
	f := newReconFixture(t, time.Minute)
	f.ex.balances = map[string]float64{"BTC": 1}
	f.recon.Track(TrackedOrder{ID: "b1", Side: SideBuy, SubmittedAt: testT0})
	f.ex.infos["b1"] = &OrderInfo{ID: "b1", Side: SideBuy, Status: StatusOpen, Rate: 100, Amount: 1, FilledAmount: 0.25, CreatedAt: testT0}
	f.now = testT0.Add(2 * time.Minute)

	// the venue reports the closed order on the read after the cancel
	f.ex.onCancel = func() {
		f.ex.infos["b1"] = &OrderInfo{ID: "b1", Side: SideBuy, Status: StatusPartiallyFilled, Rate: 100, Amount: 1, FilledAmount: 0.6, CreatedAt: testT0}
	}
	require.NoError(t, f.recon.Reconcile(context.Background()))

	task := f.engine.Task()
	require.NotNil(t, task)
	assert.Equal(t, 0.6, task.Amount)
	assert.Empty(t, f.recon.Tracked())
}

func TestReconcileNeverCancelsOpenSell(t *testing.T) {
	f := newReconFixture(t, time.Second)
	f.recon.Track(TrackedOrder{ID: "s1", Side: SideSell, SubmittedAt: testT0})
	f.ex.infos["s1"] = &OrderInfo{ID: "s1", Side: SideSell, Status: StatusOpen, CreatedAt: testT0}

	f.now = testT0.Add(24 * time.Hour)
	require.NoError(t, f.recon.Reconcile(context.Background()))
	assert.Zero(t, f.ex.cancelCalls)
	assert.Len(t, f.recon.Tracked(), 1)
}

func TestReconcileDropsCancelledOrder(t *testing.T) {
	f := newReconFixture(t, 0)
	f.recon.Track(TrackedOrder{ID: "b1", Side: SideBuy})
	f.ex.infos["b1"] = &OrderInfo{ID: "b1", Side: SideBuy, Status: StatusCancelled}

	require.NoError(t, f.recon.Reconcile(context.Background()))
	assert.Empty(t, f.recon.Tracked())
	assert.Nil(t, f.engine.Task())
}

func TestReconcileFilledBuyStartsSell(t *testing.T) {
	f := newReconFixture(t, 0)
	f.ex.balances = map[string]float64{"BTC": 0.5}
	f.recon.Track(TrackedOrder{ID: "b1", Side: SideBuy})
	f.ex.infos["b1"] = &OrderInfo{ID: "b1", Side: SideBuy, Status: StatusFilled, Rate: 100, Amount: 0.5, FilledAmount: 0.5}

	require.NoError(t, f.recon.Reconcile(context.Background()))

	task := f.engine.Task()
	require.NotNil(t, task)
	assert.Equal(t, TaskSell, task.Kind)
	assert.Equal(t, 101.4, task.TargetPrice)
	assert.Equal(t, 0.5, task.Amount)
	assert.Empty(t, f.recon.Tracked())
	require.Len(t, f.notifier.messages(), 1)
	assert.Contains(t, f.notifier.messages()[0], "Bought")
}

func TestReconcileFilledBuyCapsAmountAtHeldBalance(t *testing.T) {
	f := newReconFixture(t, 0)
	f.ex.balances = map[string]float64{"BTC": 0.499}
	f.recon.Track(TrackedOrder{ID: "b1", Side: SideBuy})
	f.ex.infos["b1"] = &OrderInfo{ID: "b1", Side: SideBuy, Status: StatusFilled, Rate: 100, Amount: 0.5}

	require.NoError(t, f.recon.Reconcile(context.Background()))
	assert.Equal(t, 0.499, f.engine.Task().Amount)
}

func TestReconcilePartialBuySellsFilledPart(t *testing.T) {
	f := newReconFixture(t, 0)
	f.ex.balances = map[string]float64{"BTC": 0.5}
	f.recon.Track(TrackedOrder{ID: "b1", Side: SideBuy})
	f.ex.infos["b1"] = &OrderInfo{ID: "b1", Side: SideBuy, Status: StatusPartiallyFilled, Rate: 100, Amount: 1, FilledAmount: 0.5}

	require.NoError(t, f.recon.Reconcile(context.Background()))

	task := f.engine.Task()
	require.NotNil(t, task)
	assert.Equal(t, 0.5, task.Amount)
	assert.Equal(t, 101.4, task.TargetPrice)
	assert.Empty(t, f.recon.Tracked())
	assert.Contains(t, f.notifier.messages()[0], "Partially bought")
}

func TestReconcilePartialSellClearsTask(t *testing.T) {
	f := newReconFixture(t, 0)
	f.engine.StartSell(context.Background(), 100, 1)
	f.recon.Track(TrackedOrder{ID: "s1", Side: SideSell})
	f.ex.infos["s1"] = &OrderInfo{ID: "s1", Side: SideSell, Status: StatusPartiallyFilled, Rate: 101.6, Amount: 1, FilledAmount: 0.4}

	require.NoError(t, f.recon.Reconcile(context.Background()))
	assert.Nil(t, f.engine.Task())
	assert.Empty(t, f.recon.Tracked())
}

func TestReconcileFilledSellBooksIncome(t *testing.T) {
	f := newReconFixture(t, 0)
	f.engine.StartSell(context.Background(), 100, 0.5)
	f.recon.TrackSubmitted(SubmittedOrder{ID: "s1", Side: SideSell, Rate: 101.6, Amount: 0.5, CostBasis: 50, At: testT0})
	f.ex.infos["s1"] = &OrderInfo{ID: "s1", Side: SideSell, Status: StatusFilled, Rate: 101.6, Amount: 0.5, FilledAmount: 0.5}

	require.NoError(t, f.recon.Reconcile(context.Background()))

	assert.InDelta(t, 0.8, f.recon.Income(), 1e-9)
	assert.Nil(t, f.engine.Task())
	assert.Empty(t, f.recon.Tracked())
	msgs := f.notifier.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "Sold")
	assert.Contains(t, msgs[0], "income")
}

func TestReconcileSellWithoutCostBasisBooksNoIncome(t *testing.T) {
	f := newReconFixture(t, 0)
	f.recon.Track(TrackedOrder{ID: "s1", Side: SideSell})
	f.ex.infos["s1"] = &OrderInfo{ID: "s1", Side: SideSell, Status: StatusFilled, Rate: 101.6, Amount: 0.5}

	require.NoError(t, f.recon.Reconcile(context.Background()))
	assert.Zero(t, f.recon.Income())
	assert.NotContains(t, f.notifier.messages()[0], "income")
}

func TestDiscoverTracksUnknownOpenOrders(t *testing.T) {
	f := newReconFixture(t, 0)
	f.recon.Track(TrackedOrder{ID: "known", Side: SideBuy})
	f.ex.open = []string{"known", "manual"}
	f.engine.StartSell(context.Background(), 100, 0.5)

	require.NoError(t, f.recon.Discover(context.Background()))

	tracked := f.recon.Tracked()
	require.Len(t, tracked, 2)
	var manual TrackedOrder
	for _, o := range tracked {
		if o.ID == "manual" {
			manual = o
		}
	}
	assert.Equal(t, "manual", manual.ID)
	assert.True(t, manual.HasCostBasis)
	assert.InDelta(t, 50.0, manual.CostBasis, 1e-9)
}

func TestDiscoverNoActiveOrder(t *testing.T) {
	f := newReconFixture(t, 0)
	f.ex.openErr = ErrNoActiveOrder
	require.NoError(t, f.recon.Discover(context.Background()))
	assert.Empty(t, f.recon.Tracked())
}

func TestReconcileInfoErrorKeepsTracking(t *testing.T) {
	f := newReconFixture(t, 0)
	f.recon.Track(TrackedOrder{ID: "b1", Side: SideBuy})
	f.ex.infoErr["b1"] = errors.New("timeout")

	assert.Error(t, f.recon.Reconcile(context.Background()))
	assert.Len(t, f.recon.Tracked(), 1)
}

func TestSubmitHookTracksOrder(t *testing.T) {
	f := newReconFixture(t, 0)
	f.engine.StartSell(context.Background(), 100, 0.5)
	ctx := context.Background()
	for _, p := range []float64{102, 101.6} {
		require.NoError(t, f.engine.OnPriceTick(ctx, p))
	}

	tracked := f.recon.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, "ord-1", tracked[0].ID)
	assert.Equal(t, SideSell, tracked[0].Side)
	assert.True(t, tracked[0].HasCostBasis)
}
