package main

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"shieldpool/internal/config"
)

// Standalone connectivity check, run before deployments. Connects with the
// raw postgres driver so it works even when GORM migrations are broken.
func main() {
	fmt.Println("🔍 Verifying database connection and schema...")

	if err := config.LoadConfig(""); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	sqlDB, err := sql.Open("postgres", config.AppConfig.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	// Field elements are stored as 0x-prefixed hex, 66 characters for BN254
	var size sql.NullInt64
	err = sqlDB.QueryRow(`
		SELECT character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = 'public'
		AND table_name = 'deposits'
		AND column_name = 'commitment'
	`).Scan(&size)
	if err == sql.ErrNoRows || (err == nil && !size.Valid) {
		fmt.Println("⚠️ deposits.commitment not found, schema not migrated yet")
	} else if err != nil {
		log.Fatalf("Failed to query column size: %v", err)
	} else if size.Int64 > 0 && size.Int64 < 66 {
		log.Fatalf("❌ deposits.commitment is VARCHAR(%d), need at least 66", size.Int64)
	} else {
		fmt.Println("✅ deposits.commitment column size OK")
	}

	for _, table := range []string{"deposits", "compliance_records", "withdraw_requests", "published_roots", "sponsorship_grant_records"} {
		var count sql.NullInt64
		if err := sqlDB.QueryRow(
			"SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1",
			table,
		).Scan(&count); err != nil {
			log.Fatalf("Failed to check table %s: %v", table, err)
		}
		if count.Int64 == 0 {
			fmt.Printf("⚠️ table %s missing (created on first server start)\n", table)
			continue
		}
		var rows int64
		if err := sqlDB.QueryRow(fmt.Sprintf("SELECT count(*) FROM %s", table)).Scan(&rows); err != nil {
			log.Fatalf("Failed to count %s: %v", table, err)
		}
		fmt.Printf("✅ %s: %d row(s)\n", table, rows)
	}

	fmt.Println("✅ Database verification complete")
}
