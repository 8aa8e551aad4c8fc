package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"order-ladder-bot-go/internal/bracket"
	"order-ladder-bot-go/internal/config"
	"order-ladder-bot-go/internal/database"
	"order-ladder-bot-go/internal/ledger"
	"order-ladder-bot-go/internal/models"
	"order-ladder-bot-go/internal/observation"
	"order-ladder-bot-go/internal/session"

	"go.uber.org/zap"
)

// Ledger is the slice of the order ledger the engine needs.
type Ledger interface {
	FindToken(ctx context.Context, name string) (*models.Token, error)
	EnsureToken(ctx context.Context, name, address string) (*models.Token, error)
	UpdateMarketCap(ctx context.Context, tokenID uint, marketCap float64, tier int, at time.Time) error
	OpenOrders(ctx context.Context, profile string, tokenID uint) ([]models.Order, error)
	TokensWithOrders(ctx context.Context, profile string, since time.Time) ([]models.Token, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	AppliedOrder(ctx context.Context, profile, fingerprint string) (uint, bool, error)
	Transition(ctx context.Context, profile, fingerprint string, orderID uint, change ledger.Change) (bool, error)
}

var _ Ledger = (*ledger.Store)(nil)

// Options tune one pass.
type Options struct {
	// CatchUp widens the missing-slot analysis to every token with ledger
	// orders touched within Lookback, not only tokens seen on screen.
	CatchUp  bool
	Lookback time.Duration
}

// Engine diffs scraped order rows against the ledger and keeps every ladder
// populated.
type Engine struct {
	ledger    Ledger
	table     *bracket.Table
	tolerance float64
	lifetime  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates a reconciliation engine.
func NewEngine(l Ledger, table *bracket.Table, cfg config.Reconcile, logger *zap.Logger) *Engine {
	return &Engine{
		ledger:    l,
		table:     table,
		tolerance: cfg.MatchTolerance,
		lifetime:  cfg.OrderLifetime(),
		logger:    logger.Named("reconcile"),
		now:       time.Now,
	}
}

// Run scrapes the profile's order rows through sess and reconciles them.
func (e *Engine) Run(ctx context.Context, profile string, sess session.Session, opts Options) (Report, error) {
	rows, err := sess.FetchOrderRows(ctx)
	if err != nil {
		return Report{Profile: profile, CatchUp: opts.CatchUp}, fmt.Errorf("failed to fetch order rows: %w", err)
	}

	var observations []observation.Observation
	var parseErrors []TokenError
	for _, row := range rows {
		obs, err := observation.Parse(row.Text, row.Position)
		if err != nil {
			e.logger.Warn("Skipping unparsable row", zap.String("profile", profile), zap.Int("position", row.Position), zap.Error(err))
			parseErrors = append(parseErrors, TokenError{Kind: KindParse, Message: err.Error()})
			continue
		}
		observations = append(observations, obs)
	}

	report, err := e.Reconcile(ctx, profile, sess, observations, opts)
	report.Rows = len(rows)
	report.Errors = append(parseErrors, report.Errors...)
	report.Failures += len(parseErrors)
	return report, err
}

// tokenGroup is the rows of one token in screen order.
type tokenGroup struct {
	name string
	rows []observation.Observation
}

// Reconcile applies observations to the ledger. Failures local to one token are
// recorded in the report; only store failures and cancellation abort the pass.
func (e *Engine) Reconcile(ctx context.Context, profile string, sess session.Session, observations []observation.Observation, opts Options) (Report, error) {
	report := Report{Profile: profile, CatchUp: opts.CatchUp}
	log := e.logger.With(zap.String("profile", profile))

	groups := groupByToken(observations, &report)
	p := &pass{profile: profile, sess: sess, report: &report, log: log}
	seen := make(map[uint]bool)

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		tokenID, err := e.reconcileToken(ctx, p, g)
		if tokenID != 0 {
			seen[tokenID] = true
		}
		if err == nil {
			continue
		}
		if errors.Is(err, database.ErrPersistence) || ctx.Err() != nil {
			return report, err
		}
		kind := KindExternal
		if errors.Is(err, ErrLookup) {
			kind = KindLookup
		}
		log.Warn("Token reconciliation failed", zap.String("token", g.name), zap.String("kind", kind), zap.Error(err))
		report.fail(g.name, kind, err)
	}

	if opts.CatchUp {
		var since time.Time
		if opts.Lookback > 0 {
			since = e.now().Add(-opts.Lookback)
		}
		tokens, err := e.ledger.TokensWithOrders(ctx, profile, since)
		if err != nil {
			return report, err
		}
		for i := range tokens {
			if seen[tokens[i].ID] {
				continue
			}
			orders, err := e.ledger.OpenOrders(ctx, profile, tokens[i].ID)
			if err != nil {
				return report, err
			}
			for _, o := range orders {
				report.Unobserved = append(report.Unobserved, Discrepancy{
					Token: tokens[i].Name, Slot: o.Slot, OrderID: o.ID, Reason: "open in ledger, not on screen",
				})
			}
			e.reportMissing(&report, &tokens[i], occupiedSlots(orders))
		}
	}

	log.Info("Reconciliation finished",
		zap.Int("processed", report.Processed),
		zap.Int("transitions", report.Transitions),
		zap.Int("replacements", report.Replacements),
		zap.Int("failures", report.Failures),
		zap.Int("missing", len(report.Missing)),
		zap.Bool("catch_up", opts.CatchUp),
	)
	return report, nil
}

func groupByToken(observations []observation.Observation, report *Report) []tokenGroup {
	index := make(map[string]int)
	var groups []tokenGroup
	for _, obs := range observations {
		name := strings.TrimSpace(obs.Token.Value)
		if name == "" {
			report.Unmatched = append(report.Unmatched, Discrepancy{Position: obs.Position, Reason: "row has no token column"})
			continue
		}
		i, ok := index[name]
		if !ok {
			i = len(groups)
			index[name] = i
			groups = append(groups, tokenGroup{name: name})
		}
		groups[i].rows = append(groups[i].rows, obs)
	}
	return groups
}

// pass is the state shared by every token of one reconciliation pass.
type pass struct {
	profile string
	sess    session.Session
	report  *Report
	log     *zap.Logger
	// deleted holds the original screen positions of rows removed so far;
	// every later row moves up by one per removal.
	deleted []int
}

func (p *pass) screenPosition(original int) int {
	shift := 0
	for _, d := range p.deleted {
		if d < original {
			shift++
		}
	}
	return original - shift
}

// candidate is one classified row of a token.
type candidate struct {
	obs         observation.Observation
	status      observation.Status
	fingerprint string
	applied     bool
	order       *models.Order
}

func (e *Engine) reconcileToken(ctx context.Context, p *pass, g tokenGroup) (uint, error) {
	token, err := e.ledger.FindToken(ctx, g.name)
	if errors.Is(err, ledger.ErrTokenNotFound) {
		for _, obs := range g.rows {
			p.report.Unmatched = append(p.report.Unmatched, Discrepancy{
				Token: g.name, Position: obs.Position, Status: observation.Classify(obs), Reason: "token not in ledger",
			})
		}
		return 0, fmt.Errorf("%w: token %q", ErrLookup, g.name)
	}
	if err != nil {
		return 0, err
	}

	orders, err := e.ledger.OpenOrders(ctx, p.profile, token.ID)
	if err != nil {
		return token.ID, err
	}

	candidates, err := e.classify(ctx, p, g)
	if err != nil {
		return token.ID, err
	}
	e.match(candidates, orders, p.report, token.Name)

	var replace []*candidate
	for _, c := range candidates {
		if c.order == nil || c.applied {
			continue
		}
		p.report.Processed++
		switch c.status {
		case observation.StatusExpired:
			if err := e.transition(ctx, p, c, models.OrderExpired); err != nil {
				return token.ID, err
			}
		case observation.StatusFulfilled:
			if err := e.transition(ctx, p, c, models.OrderFulfilled); err != nil {
				return token.ID, err
			}
		case observation.StatusTPMet:
			replace = append(replace, c)
		}
	}

	claimed := make(map[uint]bool)
	for _, c := range candidates {
		if c.order != nil {
			claimed[c.order.ID] = true
		}
	}
	for _, o := range orders {
		if !claimed[o.ID] {
			p.report.Unobserved = append(p.report.Unobserved, Discrepancy{
				Token: token.Name, Slot: o.Slot, OrderID: o.ID, Reason: "open in ledger, not on screen",
			})
		}
	}

	e.reportMissing(p.report, token, occupiedSlots(orders))

	for _, c := range replace {
		if err := e.replace(ctx, p, token, c); err != nil {
			return token.ID, err
		}
	}
	return token.ID, nil
}

// classify derives status and identity for each row. Rows applied by an
// earlier pass keep their order claim so nothing else can take the slot;
// match releases the claim of a take-profit row whose order was replaced.
func (e *Engine) classify(ctx context.Context, p *pass, g tokenGroup) ([]*candidate, error) {
	occurrences := make(map[string]int)
	candidates := make([]*candidate, 0, len(g.rows))
	for _, obs := range g.rows {
		base := observation.Fingerprint(p.profile, obs, 0)
		n := occurrences[base]
		occurrences[base] = n + 1

		c := &candidate{
			obs:         obs,
			status:      observation.Classify(obs),
			fingerprint: observation.Fingerprint(p.profile, obs, n),
		}
		if c.status == observation.StatusUnknown {
			p.report.Unknown++
			p.log.Info("Row status unknown, ignoring",
				zap.String("token", g.name), zap.Int("position", obs.Position), zap.String("trigger", obs.Trigger.Value))
			continue
		}

		orderID, applied, err := e.ledger.AppliedOrder(ctx, p.profile, c.fingerprint)
		if err != nil {
			return nil, err
		}
		if applied {
			c.applied = true
			c.order = &models.Order{}
			c.order.ID = orderID
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func (e *Engine) transition(ctx context.Context, p *pass, c *candidate, to models.OrderStatus) error {
	change := ledger.Change{Status: to, Trigger: c.obs.Trigger.Value, At: e.now()}
	if to == models.OrderFulfilled {
		change.RefreshedAt = e.refreshedAt(c.obs)
	}
	changed, err := e.ledger.Transition(ctx, p.profile, c.fingerprint, c.order.ID, change)
	if err != nil {
		return err
	}
	if changed {
		p.report.Transitions++
		c.order.Status = to
		c.order.Condition = change.Trigger
		p.log.Info("Order status changed",
			zap.Uint("order_id", c.order.ID), zap.Int("slot", c.order.Slot), zap.String("status", string(to)))
	}
	return nil
}

// refreshedAt is when the venue started the row's countdown, or nil when the
// expiry is unreadable.
func (e *Engine) refreshedAt(obs observation.Observation) *time.Time {
	left, ok := observation.ParseExpiry(obs.Expiry.Value)
	if !ok || left > e.lifetime {
		return nil
	}
	at := e.now().Add(left - e.lifetime)
	return &at
}

// occupiedSlots are slots held by an order that is still open after this
// pass's transitions.
func occupiedSlots(orders []models.Order) map[int]bool {
	slots := make(map[int]bool, len(orders))
	for _, o := range orders {
		if o.Status.IsOpen() {
			slots[o.Slot] = true
		}
	}
	return slots
}

// tierFor returns the token's assigned tier, deriving it from the last
// known market cap when none was stored.
func (e *Engine) tierFor(token *models.Token) bracket.Tier {
	if token.Bracket != nil {
		if tier, ok := e.table.Tier(*token.Bracket); ok {
			return tier
		}
	}
	return e.table.Assign(token.MarketCap)
}

func (e *Engine) reportMissing(report *Report, token *models.Token, occupied map[int]bool) {
	tier := e.tierFor(token)
	var missing []MissingSlot
	for slot := 1; slot <= bracket.SlotCount; slot++ {
		if occupied[slot] {
			continue
		}
		missing = append(missing, MissingSlot{Token: token.Name, Slot: slot, ExpectedEntry: tier.Entries[slot-1]})
	}
	report.Missing = append(report.Missing, missing...)
}
