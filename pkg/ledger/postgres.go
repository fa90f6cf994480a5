package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gregtusar/fundarb/pkg/models"
)

// pairRow and legRow are the persistence shapes. Conditional transitions are
// guarded UPDATE ... WHERE state = ? writes; a zero RowsAffected means the
// optimistic check lost and the write is rejected.
type pairRow struct {
	ID         string `gorm:"primaryKey"`
	Symbol     string `gorm:"index"`
	LongLegID  string
	ShortLegID string
	Status     string `gorm:"index"`
	Outcome    string
	CreatedAt  time.Time
	ClosedAt   *time.Time
}

func (pairRow) TableName() string { return "order_pairs" }

type legRow struct {
	ID                   string `gorm:"primaryKey"`
	PairID               string `gorm:"index"`
	Venue                string `gorm:"index:idx_legs_venue_ref"`
	Symbol               string
	Side                 string
	Quantity             float64
	Kind                 string
	LimitPrice           float64
	State                string `gorm:"index"`
	VenueOrderRef        string `gorm:"index:idx_legs_venue_ref"`
	ClientIdempotencyKey string `gorm:"uniqueIndex"`
	FilledQuantity       float64
	Flagged              bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (legRow) TableName() string { return "leg_orders" }

type fillRow struct {
	ID         string `gorm:"primaryKey"`
	LegOrderID string `gorm:"uniqueIndex:idx_fills_leg_trade"`
	Quantity   float64
	Price      float64
	TradeRef   string `gorm:"uniqueIndex:idx_fills_leg_trade"`
	ObservedAt time.Time
}

func (fillRow) TableName() string { return "fills" }

// Postgres is the durable Ledger implementation.
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects with the given DSN and migrates the schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
	}
	if err := db.AutoMigrate(&pairRow{}, &legRow{}, &fillRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an existing gorm handle. Migration is the caller's
// responsibility; OpenPostgres handles both.
func NewPostgres(db *gorm.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) CreatePairWithLegs(ctx context.Context, pair *models.OrderPair, long, short *models.LegOrder) error {
	now := time.Now()
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pr := pairRow{
			ID:         pair.ID,
			Symbol:     pair.Symbol,
			LongLegID:  long.ID,
			ShortLegID: short.ID,
			Status:     string(models.PairStatusOpening),
			CreatedAt:  now,
		}
		if err := tx.Create(&pr).Error; err != nil {
			return fmt.Errorf("failed to create pair %s: %w", pair.ID, err)
		}
		for _, leg := range []*models.LegOrder{long, short} {
			lr := legRow{
				ID:                   leg.ID,
				PairID:               pair.ID,
				Venue:                leg.Venue,
				Symbol:               leg.Symbol,
				Side:                 string(leg.Side),
				Quantity:             leg.Quantity,
				Kind:                 string(leg.Kind),
				LimitPrice:           leg.LimitPrice,
				State:                string(models.LegStatePending),
				ClientIdempotencyKey: leg.ClientIdempotencyKey,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if err := tx.Create(&lr).Error; err != nil {
				return fmt.Errorf("failed to create leg %s: %w", leg.ID, err)
			}
			leg.State = models.LegStatePending
		}
		pair.Status = models.PairStatusOpening
		return nil
	})
}

func (p *Postgres) TransitionLeg(ctx context.Context, legID string, expected, next models.LegState, patch LegPatch) (*models.LegOrder, error) {
	if !expected.CanTransition(next) {
		return nil, fmt.Errorf("leg %s %s -> %s: %w", legID, expected, next, ErrIllegalTransition)
	}

	updates := map[string]interface{}{
		"state":      string(next),
		"updated_at": time.Now(),
	}
	if patch.VenueOrderRef != nil {
		updates["venue_order_ref"] = *patch.VenueOrderRef
	}
	if patch.Flagged != nil {
		updates["flagged"] = *patch.Flagged
	}

	res := p.db.WithContext(ctx).Model(&legRow{}).
		Where("id = ? AND state = ?", legID, string(expected)).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to transition leg %s: %w", legID, res.Error)
	}
	if res.RowsAffected == 0 {
		// Distinguish a missing leg from a lost optimistic check.
		var count int64
		if err := p.db.WithContext(ctx).Model(&legRow{}).Where("id = ?", legID).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("leg %s no longer %s: %w", legID, expected, ErrStateMismatch)
	}
	return p.GetLeg(ctx, legID)
}

func (p *Postgres) RecordFill(ctx context.Context, legID string, expected models.LegState, fill *models.Fill) (*FillResult, error) {
	if expected != models.LegStateOpen && expected != models.LegStatePartial {
		return nil, fmt.Errorf("fill against %s leg: %w", expected, ErrIllegalTransition)
	}
	if fill.Quantity <= 0 {
		return nil, fmt.Errorf("fill quantity %v on leg %s: %w", fill.Quantity, legID, ErrIllegalTransition)
	}

	var result FillResult
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lr legRow
		if err := tx.Clauses(lockingClause()).Where("id = ?", legID).First(&lr).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if lr.State != string(expected) {
			return fmt.Errorf("leg %s is %s, expected %s: %w", legID, lr.State, expected, ErrStateMismatch)
		}

		fr := fillRow{
			ID:         fill.ID,
			LegOrderID: legID,
			Quantity:   fill.Quantity,
			Price:      fill.Price,
			TradeRef:   fill.TradeRef,
			ObservedAt: fill.ObservedAt,
		}
		// The unique (leg, trade_ref) index is the fill idempotency
		// boundary; the insert failing on it means a retransmit.
		if err := tx.Create(&fr).Error; err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("trade ref %s on leg %s: %w", fill.TradeRef, legID, ErrDuplicateFill)
			}
			return err
		}

		cum := lr.FilledQuantity + fill.Quantity
		if cum > lr.Quantity {
			if err := tx.Model(&legRow{}).Where("id = ?", legID).Updates(map[string]interface{}{
				"state":      string(models.LegStateFailed),
				"flagged":    true,
				"updated_at": time.Now(),
			}).Error; err != nil {
				return err
			}
			return fmt.Errorf("leg %s cum %v > qty %v: %w", legID, cum, lr.Quantity, ErrOverfill)
		}

		next := models.LegStatePartial
		if cum == lr.Quantity {
			next = models.LegStateFilled
		}
		if err := tx.Model(&legRow{}).Where("id = ?", legID).Updates(map[string]interface{}{
			"state":           string(next),
			"filled_quantity": cum,
			"updated_at":      time.Now(),
		}).Error; err != nil {
			return err
		}

		lr.State = string(next)
		lr.FilledQuantity = cum
		leg := legFromRow(lr)
		result = FillResult{Leg: &leg, Completed: next == models.LegStateFilled}
		return nil
	})
	if err != nil {
		// The overfill flagging must survive the rolled-back
		// transaction so the leg is visibly out of play.
		if errors.Is(err, ErrOverfill) {
			p.db.WithContext(ctx).Model(&legRow{}).Where("id = ?", legID).Updates(map[string]interface{}{
				"state":      string(models.LegStateFailed),
				"flagged":    true,
				"updated_at": time.Now(),
			})
		}
		return nil, err
	}
	return &result, nil
}

func (p *Postgres) TransitionPair(ctx context.Context, pairID string, expected, next models.PairStatus) error {
	updates := map[string]interface{}{"status": string(next)}
	if next == models.PairStatusFailed || next == models.PairStatusClosed {
		now := time.Now()
		updates["closed_at"] = &now
	}
	res := p.db.WithContext(ctx).Model(&pairRow{}).
		Where("id = ? AND status = ?", pairID, string(expected)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to transition pair %s: %w", pairID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("pair %s no longer %s: %w", pairID, expected, ErrStateMismatch)
	}
	return nil
}

func (p *Postgres) ClosePair(ctx context.Context, pairID string, outcome models.PairOutcome) error {
	now := time.Now()
	res := p.db.WithContext(ctx).Model(&pairRow{}).
		Where("id = ? AND status NOT IN ?", pairID, []string{
			string(models.PairStatusFailed),
			string(models.PairStatusStranded),
			string(models.PairStatusClosed),
		}).
		Updates(map[string]interface{}{
			"status":    string(models.PairStatusClosed),
			"outcome":   string(outcome),
			"closed_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to close pair %s: %w", pairID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("pair %s not closeable: %w", pairID, ErrStateMismatch)
	}
	return nil
}

func (p *Postgres) GetPair(ctx context.Context, pairID string) (*models.OrderPair, []models.LegOrder, error) {
	var pr pairRow
	if err := p.db.WithContext(ctx).Where("id = ?", pairID).First(&pr).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	var rows []legRow
	if err := p.db.WithContext(ctx).Where("pair_id = ?", pairID).Order("side").Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	pair := pairFromRow(pr)
	legs := make([]models.LegOrder, 0, len(rows))
	for _, lr := range rows {
		legs = append(legs, legFromRow(lr))
	}
	return &pair, legs, nil
}

func (p *Postgres) GetLeg(ctx context.Context, legID string) (*models.LegOrder, error) {
	var lr legRow
	if err := p.db.WithContext(ctx).Where("id = ?", legID).First(&lr).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	leg := legFromRow(lr)
	return &leg, nil
}

func (p *Postgres) GetLegByVenueRef(ctx context.Context, venue, venueOrderRef string) (*models.LegOrder, error) {
	if venueOrderRef == "" {
		return nil, ErrNotFound
	}
	var lr legRow
	err := p.db.WithContext(ctx).
		Where("venue = ? AND venue_order_ref = ?", venue, venueOrderRef).
		First(&lr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	leg := legFromRow(lr)
	return &leg, nil
}

func (p *Postgres) ListPairs(ctx context.Context, statuses ...models.PairStatus) ([]models.OrderPair, error) {
	q := p.db.WithContext(ctx).Model(&pairRow{})
	if len(statuses) > 0 {
		ss := make([]string, 0, len(statuses))
		for _, s := range statuses {
			ss = append(ss, string(s))
		}
		q = q.Where("status IN ?", ss)
	}
	var rows []pairRow
	if err := q.Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.OrderPair, 0, len(rows))
	for _, pr := range rows {
		out = append(out, pairFromRow(pr))
	}
	return out, nil
}

func (p *Postgres) ListLegsInState(ctx context.Context, state models.LegState) ([]models.LegOrder, error) {
	var rows []legRow
	if err := p.db.WithContext(ctx).Where("state = ?", string(state)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.LegOrder, 0, len(rows))
	for _, lr := range rows {
		out = append(out, legFromRow(lr))
	}
	return out, nil
}

func legFromRow(lr legRow) models.LegOrder {
	return models.LegOrder{
		ID:                   lr.ID,
		PairID:               lr.PairID,
		Venue:                lr.Venue,
		Symbol:               lr.Symbol,
		Side:                 models.LegSide(lr.Side),
		Quantity:             lr.Quantity,
		Kind:                 models.OrderKind(lr.Kind),
		LimitPrice:           lr.LimitPrice,
		State:                models.LegState(lr.State),
		VenueOrderRef:        lr.VenueOrderRef,
		ClientIdempotencyKey: lr.ClientIdempotencyKey,
		FilledQuantity:       lr.FilledQuantity,
		Flagged:              lr.Flagged,
		CreatedAt:            lr.CreatedAt,
		UpdatedAt:            lr.UpdatedAt,
	}
}

func pairFromRow(pr pairRow) models.OrderPair {
	return models.OrderPair{
		ID:         pr.ID,
		Symbol:     pr.Symbol,
		LongLegID:  pr.LongLegID,
		ShortLegID: pr.ShortLegID,
		Status:     models.PairStatus(pr.Status),
		Outcome:    models.PairOutcome(pr.Outcome),
		CreatedAt:  pr.CreatedAt,
		ClosedAt:   pr.ClosedAt,
	}
}

func lockingClause() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

func isUniqueViolation(err error) bool {
	// 23505 is Postgres unique_violation; gorm surfaces the driver
	// message rather than a typed error here.
	return err != nil && (strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "duplicate key"))
}
