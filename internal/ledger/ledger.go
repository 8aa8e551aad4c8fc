package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"order-ladder-bot-go/internal/database"
	"order-ladder-bot-go/internal/models"

	"gorm.io/gorm"
)

// ErrTokenNotFound is returned when no token matches a scraped name.
var ErrTokenNotFound = errors.New("token not found")

// Store is the gorm backed order ledger.
type Store struct {
	db *gorm.DB
}

// NewStore creates a ledger over db. Tokens, orders and applied markers
// must have been migrated.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// FindToken resolves a scraped token name: exact match first, then a
// case-insensitive partial match.
func (s *Store) FindToken(ctx context.Context, name string) (*models.Token, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrTokenNotFound
	}

	var token models.Token
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&token).Error
	if err == nil {
		return &token, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, database.Wrap("find token", err)
	}

	lower := strings.ToLower(name)
	err = s.db.WithContext(ctx).
		Where("LOWER(name) LIKE ?", "%"+escapeLike(lower)+"%").
		Order("LENGTH(name) ASC, id ASC").
		First(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, database.Wrap("find token", err)
	}
	return &token, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("%", "", "_", "").Replace(s)
}

// EnsureToken returns the token with this exact name, creating it if needed.
func (s *Store) EnsureToken(ctx context.Context, name, address string) (*models.Token, error) {
	token := models.Token{Name: name}
	if err := s.db.WithContext(ctx).
		Where(models.Token{Name: name}).
		Attrs(models.Token{Address: address}).
		FirstOrCreate(&token).Error; err != nil {
		return nil, database.Wrap("ensure token", err)
	}
	return &token, nil
}

// UpdateMarketCap stores a fresh market cap and the bracket derived from it.
func (s *Store) UpdateMarketCap(ctx context.Context, tokenID uint, marketCap float64, bracket int, at time.Time) error {
	err := s.db.WithContext(ctx).Model(&models.Token{}).
		Where("id = ?", tokenID).
		Updates(map[string]any{
			"market_cap":    marketCap,
			"bracket":       bracket,
			"market_cap_at": at,
		}).Error
	return database.Wrap("update market cap", err)
}

// OpenOrders returns the slot-holding orders of one token, lowest slot first.
func (s *Store) OpenOrders(ctx context.Context, profile string, tokenID uint) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.WithContext(ctx).
		Where("profile = ? AND token_id = ? AND status IN ?", profile, tokenID, models.OpenStatuses).
		Order("slot ASC, id ASC").
		Find(&orders).Error
	if err != nil {
		return nil, database.Wrap("open orders", err)
	}
	return orders, nil
}

// TokensWithOrders lists tokens that have orders for profile touched since the
// given time. A zero since means no lower bound.
func (s *Store) TokensWithOrders(ctx context.Context, profile string, since time.Time) ([]models.Token, error) {
	sub := s.db.Model(&models.Order{}).Select("token_id").Where("profile = ?", profile)
	if !since.IsZero() {
		sub = sub.Where("updated_at >= ?", since)
	}
	var tokens []models.Token
	err := s.db.WithContext(ctx).Where("id IN (?)", sub).Order("name ASC").Find(&tokens).Error
	if err != nil {
		return nil, database.Wrap("tokens with orders", err)
	}
	return tokens, nil
}

// ListOrders returns the newest orders of a profile, optionally filtered by status.
func (s *Store) ListOrders(ctx context.Context, profile string, status models.OrderStatus, limit, offset int) ([]models.Order, error) {
	q := s.db.WithContext(ctx).Preload("Token").Where("profile = ?", profile)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var orders []models.Order
	if err := q.Order("id DESC").Limit(limit).Offset(offset).Find(&orders).Error; err != nil {
		return nil, database.Wrap("list orders", err)
	}
	return orders, nil
}

// CreateOrder inserts a new ledger order.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	return database.Wrap("create order", s.db.WithContext(ctx).Create(order).Error)
}

// AppliedOrder reports whether the observation was already applied for
// profile and which order it was applied to.
func (s *Store) AppliedOrder(ctx context.Context, profile, fingerprint string) (uint, bool, error) {
	var applied models.AppliedObservation
	err := s.db.WithContext(ctx).
		Where("profile = ? AND fingerprint = ?", profile, fingerprint).
		First(&applied).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, database.Wrap("check applied observation", err)
	}
	return applied.OrderID, true, nil
}

// Change is the ledger effect of one observation.
type Change struct {
	Status  models.OrderStatus
	Trigger string
	At      time.Time
	// RefreshedAt is stored when set.
	RefreshedAt *time.Time
}

// Transition moves an open order to the change's status and remembers the
// observation that caused it. A fingerprint already applied to an order that
// is still open changes nothing. A fingerprint whose order has since left
// its slot is moved over to orderID, since the venue reuses the same row
// text for the order that replaced it. Reports whether an order changed.
func (s *Store) Transition(ctx context.Context, profile, fingerprint string, orderID uint, change Change) (bool, error) {
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var marker models.AppliedObservation
		if err := tx.Where("profile = ? AND fingerprint = ?", profile, fingerprint).
			Limit(1).Find(&marker).Error; err != nil {
			return err
		}
		if marker.ID != 0 {
			if marker.OrderID == orderID {
				return nil
			}
			var open int64
			if err := tx.Model(&models.Order{}).
				Where("id = ? AND status IN ?", marker.OrderID, models.OpenStatuses).
				Count(&open).Error; err != nil {
				return err
			}
			if open > 0 {
				return nil
			}
		}

		updates := map[string]any{"status": change.Status, "trigger_condition": change.Trigger}
		if change.Status == models.OrderCompleted {
			updates["completed_at"] = change.At
		}
		if change.RefreshedAt != nil {
			updates["refreshed_at"] = *change.RefreshedAt
		}
		res := tx.Model(&models.Order{}).
			Where("id = ? AND profile = ? AND status IN ? AND status <> ?", orderID, profile, models.OpenStatuses, change.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		changed = res.RowsAffected > 0

		if marker.ID != 0 {
			return tx.Model(&marker).Updates(map[string]any{
				"order_id":   orderID,
				"status":     string(change.Status),
				"applied_at": change.At,
			}).Error
		}
		return tx.Create(&models.AppliedObservation{
			Profile:     profile,
			Fingerprint: fingerprint,
			OrderID:     orderID,
			Status:      string(change.Status),
			AppliedAt:   change.At,
		}).Error
	})
	if err != nil {
		return false, database.Wrap("transition order", err)
	}
	return changed, nil
}

// PruneApplied drops applied-observation markers older than the horizon.
func (s *Store) PruneApplied(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("applied_at < ?", olderThan).Delete(&models.AppliedObservation{})
	if res.Error != nil {
		return 0, database.Wrap("prune applied observations", res.Error)
	}
	return res.RowsAffected, nil
}
