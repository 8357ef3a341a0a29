package directory

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// AdminUser is an operator account allowed to manage the registry
// (narrowed from the teacher's User model — same shape, one role).
type AdminUser struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"not null" json:"-"` // bcrypt hash
	CreatedAt time.Time `json:"created_at"`
}

// Peer is one registered peer_id → address mapping, the sole schema
// this registry needs — narrowed from the teacher's
// {Network,Node,Member,Rule} virtual-network ACL schema, since this
// system has no network-membership concept, only "where do I currently
// reach this peer_id".
type Peer struct {
	PeerID    string    `gorm:"primarykey" json:"peer_id"`
	Address   string    `gorm:"not null" json:"address"`
	Port      int       `gorm:"not null" json:"port"`
	PublicKey string    `json:"public_key,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
	CreatedAt time.Time `json:"created_at"`
}

// InitDB opens the registry database and runs migrations. Only the
// sqlite:// DSN form is supported, matching the teacher's MVP scope.
func InitDB(dsn string) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("directory: unsupported database DSN: %s (only sqlite:// supported)", dsn)
	}
	dbPath := strings.TrimPrefix(dsn, "sqlite://")

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("directory: open database: %w", err)
	}

	if err := db.AutoMigrate(&AdminUser{}, &Peer{}); err != nil {
		return nil, fmt.Errorf("directory: migrate database: %w", err)
	}
	return db, nil
}
