// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/openexch/matchengine/server/db/driver/pg/internal"
	_ "github.com/lib/pq" // Start the PostgreSQL sql driver
)

const publicSchema = "public"

// sessionParams are sent as run-time parameters on every connection in the
// pool. History rows are rebuilt from the operation log after a crash, so
// commits need not wait for the WAL flush.
var sessionParams = [][2]string{
	{"timezone", "UTC"},
	{"synchronous_commit", "off"},
}

// quoteParam quotes a connection string value if it is empty or contains
// spaces, quotes or backslashes.
func quoteParam(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// connString builds the lib/pq connection string for cfg. A Host starting
// with "/" is a UNIX socket directory and takes no port.
func connString(cfg *Config) string {
	kv := [][2]string{
		{"host", cfg.Host},
		{"user", cfg.User},
		{"dbname", cfg.DBName},
		{"sslmode", "disable"},
	}
	if cfg.Pass != "" {
		kv = append(kv, [2]string{"password", cfg.Pass})
	}
	if cfg.Port != "" && !strings.HasPrefix(cfg.Host, "/") {
		kv = append(kv, [2]string{"port", cfg.Port})
	}
	kv = append(kv, sessionParams...)
	parts := make([]string, 0, len(kv))
	for _, p := range kv {
		parts = append(parts, p[0]+"="+quoteParam(p[1]))
	}
	return strings.Join(parts, " ")
}

// connect opens the database and checks that it is reachable.
func connect(ctx context.Context, cfg *Config) (*sql.DB, error) {
	sqlDB, err := sql.Open("postgres", connString(cfg))
	if err != nil {
		return nil, err
	}
	if err = sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

// checkSession logs the server version and verifies the session settings.
// Timestamps are written without a zone, so a session outside UTC is an
// error. With showSettings the settings relevant to archiving are logged.
func (a *Archiver) checkSession(ctx context.Context, showSettings bool) error {
	var ver, tz, syncCommit string
	if err := a.db.QueryRowContext(ctx, internal.RetrievePGVersion).Scan(&ver); err != nil {
		return fmt.Errorf("error retrieving the server version: %w", err)
	}
	log.Info(ver)

	if err := a.db.QueryRowContext(ctx, internal.ShowTimeZone).Scan(&tz); err != nil {
		return fmt.Errorf("unable to query current time zone: %w", err)
	}
	if tz != "UTC" {
		return fmt.Errorf("session time zone is %q, not UTC", tz)
	}
	if err := a.db.QueryRowContext(ctx, internal.ShowSyncCommit).Scan(&syncCommit); err != nil {
		return err
	}
	if syncCommit != "off" {
		log.Warnf("synchronous_commit is %q. History writes will wait for the WAL flush.", syncCommit)
	}

	if !showSettings {
		return nil
	}
	rows, err := a.db.QueryContext(ctx, internal.RetrieveSessionSettings)
	if err != nil {
		return err
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var name, setting, unit, source string
		if err = rows.Scan(&name, &setting, &unit, &source); err != nil {
			return err
		}
		if unit != "" {
			setting += " (" + unit + ")"
		}
		lines = append(lines, fmt.Sprintf("%28s = %-16s %s", name, setting, source))
	}
	if err = rows.Err(); err != nil {
		return err
	}
	log.Infof("PostgreSQL settings:\n%s", strings.Join(lines, "\n"))
	return nil
}

// tableExists checks if the table schema.name exists.
func tableExists(db *sql.DB, schema, name string) (bool, error) {
	var one int
	err := db.QueryRow(internal.TableExists, schema, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// createTable runs fmtStmt, with the schema qualified table name substituted,
// unless the table exists. It reports whether the table was created.
func createTable(db *sql.DB, fmtStmt, schema, name string) (bool, error) {
	exists, err := tableExists(db, schema, name)
	if err != nil || exists {
		return false, err
	}
	table := schema + "." + name
	log.Infof("Creating the %q table.", table)
	if _, err = db.Exec(fmt.Sprintf(fmtStmt, table)); err != nil {
		return false, err
	}
	return true, nil
}
