// Package db holds the signaling server's connected-client records.
// The backing sqlite database is in-memory by default; nothing survives
// the process.
package db

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type Client struct {
	ID          uint   `gorm:"primaryKey"`
	PeerID      string `gorm:"uniqueIndex"`
	RemoteAddr  string
	ConnectedAt int64
}

func NewDB(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
	})
	if err != nil {
		return nil, err
	}

	// An in-memory sqlite exists per connection; a single pooled
	// connection keeps every query on the same database.
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.AutoMigrate(&Client{}); err != nil {
		return nil, err
	}
	return gdb, nil
}
