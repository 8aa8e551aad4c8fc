package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"order-ladder-bot-go/internal/bracket"
	"order-ladder-bot-go/internal/config"
	"order-ladder-bot-go/internal/database"
	"order-ladder-bot-go/internal/ledger"
	"order-ladder-bot-go/internal/models"
	"order-ladder-bot-go/internal/observation"
	"order-ladder-bot-go/internal/session"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MockSession is a mock implementation of session.Session.
type MockSession struct {
	mock.Mock
}

func (m *MockSession) FetchOrderRows(ctx context.Context) ([]session.Row, error) {
	args := m.Called(ctx)
	return args.Get(0).([]session.Row), args.Error(1)
}

func (m *MockSession) DeleteRowAt(ctx context.Context, position int) (session.DeleteResult, error) {
	args := m.Called(ctx, position)
	return args.Get(0).(session.DeleteResult), args.Error(1)
}

func (m *MockSession) SubmitOrder(ctx context.Context, token string, plan bracket.OrderPlan) error {
	args := m.Called(ctx, token, plan)
	return args.Error(0)
}

func (m *MockSession) FetchMarketCap(ctx context.Context, token string) (float64, error) {
	args := m.Called(ctx, token)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockSession) Release() error {
	args := m.Called()
	return args.Error(0)
}

var tier2Entries = [4]float64{93100, 131000, 231000, 331000}

// setupTest creates an engine over a fresh in-memory ledger.
func setupTest(t *testing.T) (*gorm.DB, *Engine) {
	db, err := database.NewDatabase(config.Database{Driver: "sqlite", DSN: "file::memory:"})
	require.NoError(t, err)
	engine := NewEngine(ledger.NewStore(db), bracket.DefaultTable(), config.Reconcile{MatchTolerance: 0.05}, zap.NewNop())
	return db, engine
}

func seedToken(t *testing.T, db *gorm.DB, name string, tier *int, marketCap float64) models.Token {
	tok := models.Token{Name: name, Bracket: tier, MarketCap: marketCap}
	require.NoError(t, db.Create(&tok).Error)
	return tok
}

func seedLadder(t *testing.T, db *gorm.DB, tokenID uint, profile string, statuses ...models.OrderStatus) []models.Order {
	var orders []models.Order
	for i, st := range statuses {
		o := models.Order{
			TokenID:    tokenID,
			Profile:    profile,
			Slot:       i + 1,
			Kind:       "LIMIT",
			Bracket:    2,
			MarketCap:  250_000,
			EntryPrice: tier2Entries[i],
			Amount:     decimal.NewFromInt(10),
			Status:     st,
		}
		require.NoError(t, db.Create(&o).Error)
		orders = append(orders, o)
	}
	return orders
}

func row(cols ...string) string { return strings.Join(cols, "\t") }

func pendingRow(token, price string) string {
	return row("Buy", token, "$10", "$0", "$0", "40h 00m 00s", "1", "0/1", "Buy below $"+price)
}

func tpMetRow(token string) string {
	return row("Sell", token, "$50", "$0", "$0", "12h 00m 00s", "1", "0/0", "1 SL")
}

func fulfilledRow(token string) string {
	return row("Buy", token, "$10", "$10", "$0.01", "30h 00m 00s", "1", "1/1", "1 TP, 1 SL")
}

func expiredRow(token, price string) string {
	return row("Buy", token, "$10", "$0", "$0", "00h 00m 00s", "1", "0/1", "Buy below $"+price)
}

func parseAll(t *testing.T, raws ...string) []observation.Observation {
	var out []observation.Observation
	for i, raw := range raws {
		obs, err := observation.Parse(raw, i)
		require.NoError(t, err)
		out = append(out, obs)
	}
	return out
}

func orderStatus(t *testing.T, db *gorm.DB, id uint) models.OrderStatus {
	var o models.Order
	require.NoError(t, db.First(&o, id).Error)
	return o.Status
}

func TestReconcile_SingleTPMetSlotIsReplaced(t *testing.T) {
	// Arrange
	db, engine := setupTest(t)
	two := 2
	tok := seedToken(t, db, "PEPE", &two, 250_000)
	orders := seedLadder(t, db, tok.ID, "alice",
		models.OrderFulfilled, models.OrderActive, models.OrderActive, models.OrderActive)

	sess := new(MockSession)
	sess.On("DeleteRowAt", mock.Anything, 0).Return(session.Deleted, nil).Once()
	sess.On("FetchMarketCap", mock.Anything, "PEPE").Return(300_000.0, nil).Once()
	sess.On("SubmitOrder", mock.Anything, "PEPE", mock.MatchedBy(func(p bracket.OrderPlan) bool {
		return p.Slot == 1 && p.Tier == 2 && p.Entry == 93100 && p.Kind == bracket.KindLimit && p.Amount.Equal(decimal.NewFromInt(10))
	})).Return(nil).Once()

	observations := parseAll(t,
		tpMetRow("PEPE"),
		pendingRow("PEPE", "131k"),
		pendingRow("PEPE", "231k"),
		pendingRow("PEPE", "331k"),
	)

	// Act
	report, err := engine.Reconcile(context.Background(), "alice", sess, observations, Options{})

	// Assert
	require.NoError(t, err)
	sess.AssertExpectations(t)
	sess.AssertNumberOfCalls(t, "SubmitOrder", 1)
	assert.Equal(t, 1, report.Replacements)
	assert.Equal(t, 0, report.Failures)
	assert.Empty(t, report.Missing)

	assert.Equal(t, models.OrderCompleted, orderStatus(t, db, orders[0].ID))
	for _, o := range orders[1:] {
		assert.Equal(t, models.OrderActive, orderStatus(t, db, o.ID))
	}

	var slot1 []models.Order
	require.NoError(t, db.Where("token_id = ? AND slot = 1 AND status = ?", tok.ID, models.OrderActive).Find(&slot1).Error)
	require.Len(t, slot1, 1)
	assert.Equal(t, 93100.0, slot1[0].EntryPrice)
	assert.Equal(t, 300_000.0, slot1[0].MarketCap)

	var refreshed models.Token
	require.NoError(t, db.First(&refreshed, tok.ID).Error)
	assert.Equal(t, 300_000.0, refreshed.MarketCap)
}

func TestReconcile_Idempotent(t *testing.T) {
	db, engine := setupTest(t)
	two := 2
	tok := seedToken(t, db, "PEPE", &two, 250_000)
	orders := seedLadder(t, db, tok.ID, "alice", models.OrderActive, models.OrderPending)
	sess := new(MockSession)
	observations := parseAll(t, fulfilledRow("PEPE"), expiredRow("PEPE", "131k"))
	ctx := context.Background()

	first, err := engine.Reconcile(ctx, "alice", sess, observations, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Transitions)
	assert.Equal(t, models.OrderFulfilled, orderStatus(t, db, orders[0].ID))
	assert.Equal(t, models.OrderExpired, orderStatus(t, db, orders[1].ID))
	require.Len(t, first.Missing, 3)
	assert.Equal(t, MissingSlot{Token: "PEPE", Slot: 2, ExpectedEntry: 131000}, first.Missing[0])

	second, err := engine.Reconcile(ctx, "alice", sess, observations, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Transitions)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, models.OrderFulfilled, orderStatus(t, db, orders[0].ID))
	assert.Equal(t, models.OrderExpired, orderStatus(t, db, orders[1].ID))
	sess.AssertExpectations(t)
}

func TestReconcile_ReplacementIsReplacedAgain(t *testing.T) {
	db, engine := setupTest(t)
	two := 2
	tok := seedToken(t, db, "PEPE", &two, 250_000)
	orders := seedLadder(t, db, tok.ID, "alice",
		models.OrderFulfilled, models.OrderActive, models.OrderActive, models.OrderActive)
	sess := new(MockSession)
	sess.On("DeleteRowAt", mock.Anything, 0).Return(session.Deleted, nil).Twice()
	sess.On("FetchMarketCap", mock.Anything, "PEPE").Return(250_000.0, nil).Twice()
	sess.On("SubmitOrder", mock.Anything, "PEPE", mock.MatchedBy(func(p bracket.OrderPlan) bool { return p.Slot == 1 })).
		Return(nil).Twice()
	rows := func() []observation.Observation {
		return parseAll(t, tpMetRow("PEPE"), pendingRow("PEPE", "131k"), pendingRow("PEPE", "231k"), pendingRow("PEPE", "331k"))
	}
	ctx := context.Background()

	first, err := engine.Reconcile(ctx, "alice", sess, rows(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Replacements)
	assert.Equal(t, models.OrderCompleted, orderStatus(t, db, orders[0].ID))

	var replacement models.Order
	require.NoError(t, db.Where("slot = 1 AND status = ?", models.OrderActive).First(&replacement).Error)

	// The replacement hits its take profit and shows the same row text.
	second, err := engine.Reconcile(ctx, "alice", sess, rows(), Options{})

	require.NoError(t, err)
	sess.AssertExpectations(t)
	assert.Equal(t, 1, second.Replacements)
	assert.Empty(t, second.Unobserved)
	assert.Equal(t, models.OrderCompleted, orderStatus(t, db, replacement.ID))

	var open int64
	require.NoError(t, db.Model(&models.Order{}).
		Where("slot = 1 AND status IN ?", models.OpenStatuses).Count(&open).Error)
	assert.Equal(t, int64(1), open)
}

func TestReconcile_UnpricedRowFollowsItsCountdown(t *testing.T) {
	db, engine := setupTest(t)
	now := time.Now()
	engine.now = func() time.Time { return now }
	two := 2
	tok := seedToken(t, db, "PEPE", &two, 250_000)
	orders := seedLadder(t, db, tok.ID, "alice", models.OrderFulfilled, models.OrderFulfilled)
	require.NoError(t, db.Model(&orders[0]).Update("refreshed_at", now.Add(-10*time.Hour)).Error)
	require.NoError(t, db.Model(&orders[1]).Update("refreshed_at", now.Add(-30*time.Hour)).Error)

	sess := new(MockSession)
	sess.On("DeleteRowAt", mock.Anything, 0).Return(session.Deleted, nil).Once()
	sess.On("FetchMarketCap", mock.Anything, "PEPE").Return(250_000.0, nil).Once()
	sess.On("SubmitOrder", mock.Anything, "PEPE", mock.MatchedBy(func(p bracket.OrderPlan) bool { return p.Slot == 2 })).
		Return(nil).Once()

	// Slot 2 is listed first and its countdown started 30h ago.
	observations := parseAll(t,
		row("Sell", "PEPE", "$50", "$0", "$0", "42h 00m 00s", "1", "0/0", "1 SL"),
		row("Buy", "PEPE", "$10", "$10", "$0.01", "62h 00m 00s", "1", "1/1", "1 TP, 1 SL"),
	)

	report, err := engine.Reconcile(context.Background(), "alice", sess, observations, Options{})

	require.NoError(t, err)
	sess.AssertExpectations(t)
	assert.Equal(t, 1, report.Replacements)
	assert.Equal(t, models.OrderFulfilled, orderStatus(t, db, orders[0].ID))
	assert.Equal(t, models.OrderCompleted, orderStatus(t, db, orders[1].ID))
}

func TestMatch(t *testing.T) {
	_, engine := setupTest(t)
	price := func(v float64) *float64 { return &v }

	t.Run("SmallestDeviationWins", func(t *testing.T) {
		orders := []models.Order{
			{Slot: 1, EntryPrice: 93100, Status: models.OrderActive},
			{Slot: 2, EntryPrice: 131000, Status: models.OrderActive},
			{Slot: 3, EntryPrice: 231000, Status: models.OrderActive},
		}
		for i := range orders {
			orders[i].ID = uint(i + 1)
		}
		c := &candidate{status: observation.StatusPending, obs: observation.Observation{EntryPrice: price(135000)}}
		report := &Report{}

		engine.match([]*candidate{c}, orders, report, "PEPE")

		require.NotNil(t, c.order)
		assert.Equal(t, 2, c.order.Slot)
	})

	t.Run("TieGoesToLowestSlot", func(t *testing.T) {
		orders := []models.Order{
			{Slot: 3, EntryPrice: 100000, Status: models.OrderActive},
			{Slot: 1, EntryPrice: 100000, Status: models.OrderActive},
		}
		orders[0].ID, orders[1].ID = 1, 2
		c := &candidate{status: observation.StatusPending, obs: observation.Observation{EntryPrice: price(100000)}}

		engine.match([]*candidate{c}, orders, &Report{}, "PEPE")

		require.NotNil(t, c.order)
		assert.Equal(t, 1, c.order.Slot)
	})

	t.Run("OutsideToleranceIsUnmatched", func(t *testing.T) {
		orders := []models.Order{{Slot: 1, EntryPrice: 93100, Status: models.OrderActive}}
		orders[0].ID = 1
		c := &candidate{status: observation.StatusPending, obs: observation.Observation{EntryPrice: price(120000), Position: 4}}
		report := &Report{}

		engine.match([]*candidate{c}, orders, report, "PEPE")

		assert.Nil(t, c.order)
		require.Len(t, report.Unmatched, 1)
		assert.Equal(t, 4, report.Unmatched[0].Position)
	})

	t.Run("UnpricedMatchesStoredTrigger", func(t *testing.T) {
		orders := []models.Order{
			{Slot: 1, Status: models.OrderFulfilled},
			{Slot: 2, Status: models.OrderFulfilled, Condition: "1 TP, 1 SL"},
		}
		orders[0].ID, orders[1].ID = 1, 2
		c := &candidate{
			status: observation.StatusFulfilled,
			obs:    observation.Observation{Trigger: observation.Field{Value: "1 tp, 1 sl", Present: true}},
		}

		engine.match([]*candidate{c}, orders, &Report{}, "PEPE")

		require.NotNil(t, c.order)
		assert.Equal(t, 2, c.order.Slot)
	})

	t.Run("UnpricedPrefersFulfilledOrder", func(t *testing.T) {
		orders := []models.Order{
			{Slot: 1, EntryPrice: 93100, Status: models.OrderActive},
			{Slot: 2, EntryPrice: 131000, Status: models.OrderFulfilled},
		}
		orders[0].ID, orders[1].ID = 1, 2
		c := &candidate{status: observation.StatusTPMet}

		engine.match([]*candidate{c}, orders, &Report{}, "PEPE")

		require.NotNil(t, c.order)
		assert.Equal(t, 2, c.order.Slot)
	})
}

func TestReconcile_UnknownTokenDoesNotStopOthers(t *testing.T) {
	db, engine := setupTest(t)
	tok := seedToken(t, db, "PEPE", nil, 0)
	orders := seedLadder(t, db, tok.ID, "alice", models.OrderActive)
	sess := new(MockSession)

	report, err := engine.Reconcile(context.Background(), "alice", sess,
		parseAll(t, fulfilledRow("SHIB"), fulfilledRow("PEPE")), Options{})

	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, KindLookup, report.Errors[0].Kind)
	assert.Equal(t, "SHIB", report.Errors[0].Token)
	require.Len(t, report.Unmatched, 1)
	assert.Equal(t, models.OrderFulfilled, orderStatus(t, db, orders[0].ID))
}

func TestReconcile_RowNotClickableLeavesOrder(t *testing.T) {
	db, engine := setupTest(t)
	two := 2
	tok := seedToken(t, db, "PEPE", &two, 250_000)
	orders := seedLadder(t, db, tok.ID, "alice", models.OrderFulfilled)
	sess := new(MockSession)
	sess.On("DeleteRowAt", mock.Anything, 0).Return(session.NotClickable, nil).Once()

	report, err := engine.Reconcile(context.Background(), "alice", sess, parseAll(t, tpMetRow("PEPE")), Options{})

	require.NoError(t, err)
	sess.AssertExpectations(t)
	sess.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, 0, report.Replacements)
	assert.Equal(t, models.OrderFulfilled, orderStatus(t, db, orders[0].ID))

	// The row was not applied, so the next pass tries again.
	sess.On("DeleteRowAt", mock.Anything, 0).Return(session.NotFound, nil).Once()
	report, err = engine.Reconcile(context.Background(), "alice", sess, parseAll(t, tpMetRow("PEPE")), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)
	sess.AssertExpectations(t)
}

func TestReconcile_PlacementFailureLeavesSlotCompleted(t *testing.T) {
	db, engine := setupTest(t)
	two := 2
	tok := seedToken(t, db, "PEPE", &two, 250_000)
	orders := seedLadder(t, db, tok.ID, "alice", models.OrderFulfilled)
	sess := new(MockSession)
	sess.On("DeleteRowAt", mock.Anything, 0).Return(session.Deleted, nil).Once()
	sess.On("FetchMarketCap", mock.Anything, "PEPE").Return(0.0, session.ErrMarketCapUnavailable).Once()
	sess.On("SubmitOrder", mock.Anything, "PEPE", mock.AnythingOfType("bracket.OrderPlan")).
		Return(errors.New("insufficient balance")).Once()

	report, err := engine.Reconcile(context.Background(), "alice", sess, parseAll(t, tpMetRow("PEPE")), Options{})

	require.NoError(t, err)
	sess.AssertExpectations(t)
	assert.Equal(t, 0, report.Replacements)
	assert.Equal(t, 1, report.Failures)
	assert.Equal(t, models.OrderCompleted, orderStatus(t, db, orders[0].ID))
	assert.Contains(t, report.Missing, MissingSlot{Token: "PEPE", Slot: 1, ExpectedEntry: 93100})

	var active int64
	require.NoError(t, db.Model(&models.Order{}).Where("status = ?", models.OrderActive).Count(&active).Error)
	assert.Zero(t, active)
}

func TestReconcile_RemovalShiftsLaterPositions(t *testing.T) {
	db, engine := setupTest(t)
	two := 2
	tok := seedToken(t, db, "PEPE", &two, 250_000)
	seedLadder(t, db, tok.ID, "alice",
		models.OrderFulfilled, models.OrderFulfilled, models.OrderActive, models.OrderActive)
	sess := new(MockSession)
	sess.On("DeleteRowAt", mock.Anything, 1).Return(session.Deleted, nil).Once()
	sess.On("DeleteRowAt", mock.Anything, 2).Return(session.Deleted, nil).Once()
	sess.On("FetchMarketCap", mock.Anything, "PEPE").Return(250_000.0, nil).Twice()
	sess.On("SubmitOrder", mock.Anything, "PEPE", mock.AnythingOfType("bracket.OrderPlan")).Return(nil).Twice()

	observations := parseAll(t,
		pendingRow("PEPE", "231k"),
		tpMetRow("PEPE"),
		pendingRow("PEPE", "331k"),
		tpMetRow("PEPE"),
	)

	report, err := engine.Reconcile(context.Background(), "alice", sess, observations, Options{})

	require.NoError(t, err)
	sess.AssertExpectations(t)
	assert.Equal(t, 2, report.Replacements)
}

func TestReconcile_CatchUpCoversTokensOffScreen(t *testing.T) {
	db, engine := setupTest(t)
	tok := seedToken(t, db, "DOGE", nil, 0)
	seedLadder(t, db, tok.ID, "alice", models.OrderActive)
	sess := new(MockSession)

	regular, err := engine.Reconcile(context.Background(), "alice", sess, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, regular.Missing)
	assert.Empty(t, regular.Unobserved)

	catchUp, err := engine.Reconcile(context.Background(), "alice", sess, nil, Options{CatchUp: true})
	require.NoError(t, err)
	assert.True(t, catchUp.CatchUp)
	require.Len(t, catchUp.Unobserved, 1)
	assert.Equal(t, "DOGE", catchUp.Unobserved[0].Token)
	require.Len(t, catchUp.Missing, 3)
	assert.Equal(t, MissingSlot{Token: "DOGE", Slot: 2, ExpectedEntry: 13100}, catchUp.Missing[0])
}

func TestRun_ParseErrorsAreCounted(t *testing.T) {
	_, engine := setupTest(t)
	sess := new(MockSession)
	sess.On("FetchOrderRows", mock.Anything).Return([]session.Row{
		{Position: 0, Text: " \n "},
		{Position: 1, Text: row("Buy", "PEPE", "$10", "$0", "$0", "10h 00m 00s", "1", "0/1", "Sell above $1")},
	}, nil)

	report, err := engine.Run(context.Background(), "alice", sess, Options{})

	require.NoError(t, err)
	assert.Equal(t, 2, report.Rows)
	assert.Equal(t, 1, report.Unknown)
	assert.Equal(t, 1, report.Failures)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, KindParse, report.Errors[0].Kind)
}

func TestPlaceLadder(t *testing.T) {
	db, engine := setupTest(t)
	ctx := context.Background()
	sess := new(MockSession)
	sess.On("FetchMarketCap", mock.Anything, "PEPE").Return(250_000.0, nil)
	sess.On("SubmitOrder", mock.Anything, "PEPE", mock.MatchedBy(func(p bracket.OrderPlan) bool { return p.Slot == 3 })).
		Return(errors.New("rejected")).Once()
	sess.On("SubmitOrder", mock.Anything, "PEPE", mock.AnythingOfType("bracket.OrderPlan")).Return(nil)

	results, err := engine.PlaceLadder(ctx, "alice", sess, "PEPE", "0xabc", decimal.NewFromInt(60))

	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.False(t, results[2].Placed)
	assert.Equal(t, "rejected", results[2].Error)
	var placed int64
	require.NoError(t, db.Model(&models.Order{}).Where("profile = ? AND status = ?", "alice", models.OrderActive).Count(&placed).Error)
	assert.Equal(t, int64(3), placed)

	// Only the failed slot is attempted again.
	results, err = engine.PlaceLadder(ctx, "alice", sess, "PEPE", "0xabc", decimal.NewFromInt(60))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Plan.Slot)
	assert.True(t, results[0].Placed)
}
