/*
Package log provides structured logging for perpetual using zerolog.

A single package-global Logger is configured once at process start with
Init and then specialised per component with the With* helpers. Every
control plane and worker subsystem logs through a child logger so that
records carry the component, account, worker or task they concern.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	logger := log.WithComponent("broadcast")
	logger.Info().
		Str("account_id", accountID).
		Str("worker_id", workerID).
		Msg("Pushed assignment change")

# Output

Console output (default) is meant for humans:

	2026-01-10T12:00:00Z INF Worker disconnected, tasks unassigned component=manager worker_id=w1 count=3

JSON output is meant for log shippers:

	{"level":"info","component":"manager","worker_id":"w1","count":3,"time":"...","message":"Worker disconnected, tasks unassigned"}

# Library bridges

Writer adapts a child logger to io.Writer. The raft library and the
worker's cron scheduler write their own diagnostics through it, at debug
level, so a single sink and a single level control all output.
*/
package log
