/*
Package log provides the single timestamped log stream for Steward using zerolog.

Every event is rendered as one line with a fixed shape:

	[2025-03-14 10:30:00] [INFO] repository sync complete component=reposync

and written simultaneously to stdout and the well-known run log file. A full
update run truncates the file at Init time; check mode appends so its output
never destroys the record of the last real run. There is no rotation and no
buffering beyond the line-atomicity of single writes.

# Usage

	log.Init(log.Config{
		Level:    log.InfoLevel,
		FilePath: "/var/log/steward/update.log",
		Truncate: true,
	})
	defer log.Close()

	log.Info("starting full update run")

	syncLog := log.WithComponent("reposync")
	syncLog.Warn().Err(err).Msg("upstream unreachable, skipping sync")

Child output captured from modules is forwarded through WithModule so every
forwarded line carries the module name.

# See Also

  - pkg/runner - Forwards module stdout/stderr through this package
  - cmd/steward - Decides when to truncate (full runs only)
*/
package log
