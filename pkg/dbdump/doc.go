/*
Package dbdump snapshots and restores relational databases for backup slots.

Dumps are produced by the engines' native tools (mysqldump/mysql for MySQL,
pg_dump/pg_restore for PostgreSQL) invoked as child processes; the dump file
itself is the backup artifact stored under the slot's databases/ directory.
The Dumper interface lets StateManager tests run without real databases.
*/
package dbdump
