// Package gorm provides GORM-based database operations for solace.
package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		// Migration 001: Conversations table
		{
			ID: "001_conversations",
			Migrate: func(tx *gorm.DB) error {
				// AutoMigrate creates the table with all indexes from struct tags
				return tx.AutoMigrate(&Conversation{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("conversations")
			},
		},

		// Migration 002: Messages table
		{
			ID: "002_messages",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Message{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("messages")
			},
		},

		// Migration 003: Paused-conversation slot table
		{
			ID: "003_paused_conversations",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&PausedConversation{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("paused_conversations")
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}

	return nil
}
