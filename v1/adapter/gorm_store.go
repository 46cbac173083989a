package adapter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

const (
	defaultGormTableName = "lease_locks"
	defaultGormOpTimeout = 5 * time.Second
)

// gormLease is the row model for a lease. Expiry is stored as unix
// milliseconds so comparisons stay portable across dialects.
type gormLease struct {
	Key       string `gorm:"primaryKey;column:key_id"`
	Token     string `gorm:"column:token;not null"`
	ExpiresAt int64  `gorm:"column:expires_at;not null;index"`
}

// GormStore implements Store on a relational database through GORM.
// Expiry is evaluated with the client clock, so processes sharing a table
// must keep their clocks within a small bound of each other.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
	now       func() time.Time
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// WithGormClock replaces time.Now for expiry computations.
func WithGormClock(now func() time.Time) GormOption {
	return func(o *gormStoreOptions) {
		o.now = now
	}
}

// NewGormStore returns a new GormStore and migrates its table.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tableName == "" {
		o.tableName = defaultGormTableName
	}
	if o.now == nil {
		o.now = time.Now
	}

	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormLease{}); err != nil {
			return nil, err
		}
	}

	return &GormStore{
		db:        db,
		tableName: o.tableName,
		timeout:   o.timeout,
		now:       o.now,
	}, nil
}

// Acquire implements Store.Acquire. Expired rows for key are purged and the
// insert is attempted in the same transaction.
func (s *GormStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	acquired := false
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Table(s.tableName).
			Where("key_id = ? AND expires_at <= ?", key, now.UnixMilli()).
			Delete(&gormLease{}).Error; err != nil {
			return err
		}
		res := tx.Table(s.tableName).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&gormLease{Key: key, Token: token, ExpiresAt: now.Add(ttl).UnixMilli()})
		if res.Error != nil {
			return res.Error
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, mapGormError(err)
	}
	return acquired, nil
}

// Release implements Store.Release.
func (s *GormStore) Release(ctx context.Context, key, token string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res := s.db.WithContext(cctx).Table(s.tableName).
		Where("key_id = ? AND token = ? AND expires_at > ?", key, token, s.now().UnixMilli()).
		Delete(&gormLease{})
	if res.Error != nil {
		return false, mapGormError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Renew implements Store.Renew.
func (s *GormStore) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	res := s.db.WithContext(cctx).Table(s.tableName).
		Where("key_id = ? AND token = ? AND expires_at > ?", key, token, now.UnixMilli()).
		Update("expires_at", now.Add(ttl).UnixMilli())
	if res.Error != nil {
		return false, mapGormError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Exists implements Store.Exists.
func (s *GormStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	err := s.db.WithContext(cctx).Table(s.tableName).
		Where("key_id = ? AND expires_at > ?", key, s.now().UnixMilli()).
		Count(&n).Error
	if err != nil {
		return false, mapGormError(err)
	}
	return n > 0, nil
}

func mapGormError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return leaseerrors.ErrTimeout
	}
	return err
}
