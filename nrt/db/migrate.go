package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Migrate creates the rule and config tables with raw SQL.
// driver: "mysql" | "sqlite"
func Migrate(g *gorm.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "mysql":
		stmts = mysqlTables
	case "sqlite", "sqlite3":
		stmts = sqliteTables
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}
	for _, s := range stmts {
		if err := g.Exec(s).Error; err != nil {
			return fmt.Errorf("%s migrate: %w", driver, err)
		}
	}
	return nil
}

var sqliteTables = []string{
	`CREATE TABLE IF NOT EXISTS rule (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		conditions TEXT NOT NULL DEFAULT '[]',
		create_date_time TEXT,
		update_date_time TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rule_action_enabled ON rule(action, enabled);`,
	`CREATE TABLE IF NOT EXISTS config (
		"key" TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		update_date_time TEXT
	);`,
}

var mysqlTables = []string{
	"CREATE TABLE IF NOT EXISTS `rule` (" +
		"`id` BIGINT NOT NULL AUTO_INCREMENT," +
		"`name` VARCHAR(255) NOT NULL," +
		"`description` TEXT NOT NULL," +
		"`action` VARCHAR(16) NOT NULL," +
		"`enabled` TINYINT(1) NOT NULL DEFAULT 1," +
		"`conditions` LONGTEXT NOT NULL," +
		"`create_date_time` DATETIME NULL," +
		"`update_date_time` DATETIME NULL," +
		"PRIMARY KEY (`id`)," +
		"KEY `idx_rule_action_enabled` (`action`, `enabled`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
	"CREATE TABLE IF NOT EXISTS `config` (" +
		"`key` VARCHAR(64) NOT NULL," +
		"`value` TEXT NOT NULL," +
		"`update_date_time` DATETIME NULL," +
		"PRIMARY KEY (`key`)" +
		") ENGINE=InnoDB DEFAULT CHARSET=utf8mb4",
}
