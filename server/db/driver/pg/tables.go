// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/openexch/matchengine/server/db/driver/pg/internal"
)

const (
	metaTableName            = "meta"
	orderHistoryTableName    = "order_history"
	userDealHistoryTableName = "user_deal_history"
	balanceHistoryTableName  = "balance_history"

	// dbVersion is the schema version the archiver writes.
	dbVersion = 1
)

type tableStmt struct {
	name string
	stmt string
}

var createPublicTableStatements = []tableStmt{
	{metaTableName, internal.CreateMetaTable},
	{orderHistoryTableName, internal.CreateOrderHistoryTable},
	{userDealHistoryTableName, internal.CreateUserDealHistoryTable},
	{balanceHistoryTableName, internal.CreateBalanceHistoryTable},
}

var createIndexStatements = []string{
	internal.CreateOrderHistoryIndex,
	internal.CreateUserDealHistoryIndex,
	internal.CreateUserDealHistoryOrderIndex,
	internal.CreateBalanceHistoryIndex,
}

var tableMap = func() map[string]string {
	m := make(map[string]string, len(createPublicTableStatements))
	for _, pair := range createPublicTableStatements {
		m[pair.name] = pair.stmt
	}
	return m
}()

// CreateTable creates one of the known tables by name. The table will be
// created in the specified schema (schema.tableName). If schema is empty,
// "public" is used.
func CreateTable(db *sql.DB, schema, tableName string) (bool, error) {
	createCommand, tableNameFound := tableMap[tableName]
	if !tableNameFound {
		return false, fmt.Errorf("table name %s unknown", tableName)
	}

	if schema == "" {
		schema = publicSchema
	}
	return createTable(db, createCommand, schema, tableName)
}

// PrepareTables ensures that the history tables and their indexes exist, and
// that the schema version is one this archiver can write.
func PrepareTables(db *sql.DB) error {
	for _, ts := range createPublicTableStatements {
		created, err := CreateTable(db, publicSchema, ts.name)
		if err != nil {
			return fmt.Errorf("failed to create %s table: %w", ts.name, err)
		}
		if created && ts.name == metaTableName {
			if _, err = db.Exec(internal.CreateMetaRow); err != nil {
				return fmt.Errorf("failed to create row for meta table: %w", err)
			}
			if _, err = db.Exec(internal.SetDBVersion, dbVersion); err != nil {
				return fmt.Errorf("failed to set schema version: %w", err)
			}
		}
	}
	for _, stmt := range createIndexStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return checkVersion(db)
}

// checkVersion refuses a database written by a newer archiver.
func checkVersion(db *sql.DB) error {
	var ver int32
	err := db.QueryRow(internal.SelectDBVersion).Scan(&ver)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("the %s table has no rows", metaTableName)
	}
	if err != nil {
		return err
	}
	switch {
	case ver > dbVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", ver, dbVersion)
	case ver < dbVersion:
		log.Infof("Upgrading database schema from version %d to %d", ver, dbVersion)
		_, err = db.Exec(internal.SetDBVersion, dbVersion)
		return err
	}
	log.Debugf("Database schema version %d", ver)
	return nil
}
