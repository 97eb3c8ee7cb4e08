/*
Package log provides structured logging for the Hydrus repository engine
using zerolog.

A single package-level Logger is initialized once via Init and shared by
every package. Component loggers (WithService, WithAccount, WithJob) attach
a scoped field so that, for example, every log line emitted while processing
one client submission carries the same account_key without threading a
logger value through every call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	jobLog := log.WithJob(jobID)
	jobLog.Info().Str("kind", "write").Msg("job accepted")
*/
package log
