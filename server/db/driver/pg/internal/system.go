// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package internal

const (
	// RetrievePGVersion retrieves the version string of the server.
	RetrievePGVersion = `SELECT version();`

	// RetrieveSessionSettings retrieves the settings the archiver depends on
	// or that bear on its write throughput.
	RetrieveSessionSettings = `SELECT name, setting, COALESCE(unit, ''), source
		FROM pg_settings
		WHERE name IN ('TimeZone', 'synchronous_commit', 'max_connections',
			'shared_buffers', 'work_mem', 'wal_buffers', 'max_wal_size',
			'checkpoint_completion_target', 'fsync')
		ORDER BY name;`

	// ShowTimeZone and ShowSyncCommit read the session's values.
	ShowTimeZone   = `SHOW TIME ZONE;`
	ShowSyncCommit = `SHOW synchronous_commit;`

	// TableExists selects a row if the table schema.name ($1.$2) exists.
	TableExists = `SELECT 1 FROM pg_tables WHERE schemaname = $1 AND tablename = $2;`
)
