package repository

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"media-enricher/entities"
)

type Repository interface {
	VideoRepository
	IdentityRepository
	GetDB() *gorm.DB
	AutoMigrate(ctx context.Context) error
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB, debug bool) (Repository, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(level),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("open gorm: %w", err)
	}
	return &repo{
		db: gormDB,
	}, nil
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

// AutoMigrate creates the tables the workers own. Used by local setups and tests.
func (r *repo) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(
		&entities.VideoAsset{},
		&entities.User{},
		&entities.ProcessedEvent{},
		&entities.EventCheckpoint{},
	)
}

// Transaction runs callback with a repository bound to a single database transaction.
func (r *repo) Transaction(ctx context.Context, callback func(ctx context.Context, tx IdentityRepository) error, opts ...*sql.TxOptions) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return callback(ctx, &repo{db: tx})
	}, opts...)
}
