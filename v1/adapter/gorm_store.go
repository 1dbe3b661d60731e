package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	lockerrors "github.com/mirkobrombin/go-storelock/v1/errors"
)

const (
	defaultGormTableName = "storelock_kv"
	defaultGormOpTimeout = 5 * time.Second
)

// gormKV is the internal model used to store key-value pairs in the database.
type gormKV struct {
	Key   string `gorm:"primaryKey;column:key_id"`
	Value string `gorm:"column:value"`
}

// GormStore implements Store using a GORM backend, so any SQL database
// reachable by several processes can act as the shared medium.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
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

// NewGormStore returns a new GormStore using the provided GORM DB connection.
// The backing table is created when missing.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if !db.Migrator().HasTable(o.tableName) {
		if err := db.Table(o.tableName).AutoMigrate(&gormKV{}); err != nil {
			return nil, err
		}
	}
	return &GormStore{db: db, tableName: o.tableName, timeout: o.timeout}, nil
}

func mapGormErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return lockerrors.ErrTimeout
	}
	return err
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var kv gormKV
	err := s.db.WithContext(cctx).Table(s.tableName).First(&kv, "key_id = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapGormErr(err)
	}
	return kv.Value, true, nil
}

// Set implements Store.Set as an upsert.
func (s *GormStore) Set(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	kv := gormKV{Key: key, Value: value}
	err := s.db.WithContext(cctx).Table(s.tableName).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&kv).Error
	return mapGormErr(err)
}

// Remove implements Store.Remove.
func (s *GormStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.db.WithContext(cctx).Table(s.tableName).Delete(&gormKV{}, "key_id = ?", key).Error
	return mapGormErr(err)
}

// Keys implements Store.Keys.
func (s *GormStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var keys []string
	if err := s.db.WithContext(cctx).Table(s.tableName).Pluck("key_id", &keys).Error; err != nil {
		return nil, mapGormErr(err)
	}
	return keys, nil
}

var likeEscaper = strings.NewReplacer(`!`, `!!`, `%`, `!%`, `_`, `!_`)

// KeysWithPrefix implements PrefixLister with a LIKE query.
func (s *GormStore) KeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapGormErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var keys []string
	pattern := likeEscaper.Replace(prefix) + "%"
	err := s.db.WithContext(cctx).Table(s.tableName).
		Where("key_id LIKE ? ESCAPE '!'", pattern).
		Pluck("key_id", &keys).Error
	if err != nil {
		return nil, mapGormErr(err)
	}
	return keys, nil
}
