/*
Package migrate drives the one-shot system migration scripts.

The migration module's manifest carries an ordered catalog under
config.migrations: {id, description, has_run} rows whose zero-padded 8-digit
id also names the script at src/<id>.sh. The driver executes every pending
entry in strict ascending order with a per-script timeout; a zero exit sets
the has_run latch (persisted immediately, never reset), a non-zero exit is
logged and retried on the next orchestrator run without blocking later
migrations.

Migration authors own idempotency: a script must exit 0 when its target
state is already reached and must back up anything it changes.
*/
package migrate
