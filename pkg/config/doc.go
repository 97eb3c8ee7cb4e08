/*
Package config loads the engine's tunables through a layered viper
configuration: environment variables prefixed HYDRUS_, then an explicit
config file (the --config flag, falling back to server.conf inside
--db_dir), and finally the defaults set in setDefaults — in that order of
precedence, following the untoldecay-BeadsLog pattern of a package-level
viper instance populated once at startup.

Load returns a typed *Config rather than leaving callers to call v.GetXxx
scattered through the codebase; there is no hot-reload, since the engine
has no defined behavior for tunables changing out from under a running
serializer or scheduler.
*/
package config
