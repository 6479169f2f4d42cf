package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"collswap/internal/domain"
	"collswap/pkg/quant"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage is the SQLite-backed Order Store.
type Storage struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ domain.OrderRepository = (*Storage)(nil)

// NewStorage opens (or creates) the database at dbPath and migrates it.
// An empty path resolves to the per-user data directory.
func NewStorage(dbPath string) (*Storage, error) {
	if dbPath == "" {
		p, err := getDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
		dbPath = p
	}

	// Ensure directory exists
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has a single writer; one connection serializes transactions
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	s := newStorage(db)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// newGormLogger routes gorm warnings into the slog JSON stream. Misses are
// normal lookups here (first-seen sequences and orders), not warnings.
func newGormLogger() logger.Interface {
	return logger.New(
		slog.NewLogLogger(slog.Default().With("module", "gorm").Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func newStorage(db *gorm.DB) *Storage {
	return &Storage{
		db:     db,
		logger: slog.Default().With("module", "storage"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates or updates every table the order book uses.
func (s *Storage) Migrate() error {
	if err := s.db.AutoMigrate(&domain.Order{}, &domain.FillReservation{}, &ChainEventRecord{}, &SkippedSequence{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "CollSwap", "data", "orderbook.db"), nil
}

// ======================================================================================
// Order Operations
// ======================================================================================

// Create inserts a new order and returns its id.
func (s *Storage) Create(ctx context.Context, order *domain.Order) (string, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.Normalize()
	if err := order.Validate(); err != nil {
		return "", err
	}

	now := s.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Version = 0

	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	return order.ID, nil
}

// Get retrieves an order by id.
func (s *Storage) Get(ctx context.Context, id string) (*domain.Order, error) {
	return findOrder(s.db.WithContext(ctx), "id = ?", id)
}

// GetByChainID retrieves an order by its on-chain id.
func (s *Storage) GetByChainID(ctx context.Context, onChainOrderID string) (*domain.Order, error) {
	return findOrder(s.db.WithContext(ctx), "on_chain_order_id = ?", onChainOrderID)
}

func findOrder(db *gorm.DB, query string, arg any) (*domain.Order, error) {
	var o domain.Order
	err := db.First(&o, query, arg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", domain.ErrOrderNotFound, arg)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// List returns orders matching filter, newest first.
func (s *Storage) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	q := s.db.WithContext(ctx).Model(&domain.Order{})
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.CollateralToken != "" {
		q = q.Where("collateral_token = ?", filter.CollateralToken)
	}
	if filter.DebtToken != "" {
		q = q.Where("debt_token = ?", filter.DebtToken)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Origin != "" {
		q = q.Where("origin = ?", filter.Origin)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var orders []domain.Order
	err := q.Order("created_at DESC").Order("id DESC").Find(&orders).Error
	return orders, err
}

// FindCandidates returns resting orders in price-time priority.
func (s *Storage) FindCandidates(ctx context.Context, collateralToken, debtToken string) ([]domain.Order, error) {
	var orders []domain.Order
	err := s.db.WithContext(ctx).
		Where("collateral_token = ? AND debt_token = ? AND status = ?", collateralToken, debtToken, domain.OrderStatusOpen).
		Order("price_key ASC").
		Order("created_at ASC").
		Order("id ASC").
		Find(&orders).Error
	return orders, err
}

// ======================================================================================
// Fill Operations
// ======================================================================================

// casUpdate writes fields iff the row still carries o.Version.
func (s *Storage) casUpdate(tx *gorm.DB, o *domain.Order, fields map[string]any, extra ...any) error {
	now := s.now()
	fields["version"] = o.Version + 1
	fields["updated_at"] = now

	q := tx.Model(&domain.Order{}).Where("id = ? AND version = ?", o.ID, o.Version)
	if len(extra) > 0 {
		q = q.Where(extra[0], extra[1:]...)
	}
	res := q.Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", o.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s changed since version %d", domain.ErrConcurrencyConflict, o.ID, o.Version)
	}
	o.Version++
	o.UpdatedAt = now
	return nil
}

// ApplyFill commits fill directly against the order, guarded by a
// compare-and-swap on its filled amount.
func (s *Storage) ApplyFill(ctx context.Context, id string, fill, expectedFilled decimal.Decimal) (*domain.Order, error) {
	if !fill.IsPositive() {
		return nil, domain.NewValidationError("fill", "must be positive, got %s", fill)
	}

	var out *domain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := findOrder(tx, "id = ?", id)
		if err != nil {
			return err
		}
		if !o.FilledAmount.Equal(expectedFilled) {
			return fmt.Errorf("%w: order %s filled %s, expected %s",
				domain.ErrConcurrencyConflict, id, o.FilledAmount, expectedFilled)
		}
		if !o.IsOpen() {
			return &domain.TransitionError{OrderID: id, From: o.Status, To: domain.OrderStatusFilled}
		}
		if fill.Cmp(o.Available()) > 0 {
			return fmt.Errorf("%w: fill %s exceeds available %s on order %s",
				domain.ErrConcurrencyConflict, fill, o.Available(), id)
		}

		o.FilledAmount = quant.Canonical(o.FilledAmount.Add(fill))
		if o.FilledAmount.Equal(o.CollateralAmount) {
			o.Status = domain.OrderStatusFilled
		}
		if err := s.casUpdate(tx, o, map[string]any{
			"filled_amount": o.FilledAmount.String(),
			"status":        o.Status,
		}, "filled_amount = ?", expectedFilled.String()); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// Cancel moves an OPEN order to CANCELLED.
func (s *Storage) Cancel(ctx context.Context, id string) (*domain.Order, error) {
	var out *domain.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := findOrder(tx, "id = ?", id)
		if err != nil {
			return err
		}
		if !o.IsOpen() {
			return &domain.TransitionError{OrderID: id, From: o.Status, To: domain.OrderStatusCancelled}
		}
		if o.ReservedAmount.IsPositive() {
			return fmt.Errorf("%w: order %s has %s reserved by a pending settlement",
				domain.ErrConcurrencyConflict, id, o.ReservedAmount)
		}
		o.Status = domain.OrderStatusCancelled
		if err := s.casUpdate(tx, o, map[string]any{"status": o.Status}); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}
