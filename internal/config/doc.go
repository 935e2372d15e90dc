/*
Package config holds the client's configuration tree and its loaders.

Options is a struct-of-structs (Mount, Backend, Cache, Global) with
yaml tags. Values merge in precedence order: compiled-in defaults,
then a YAML file, then CIRRUSFS_* environment variables, then
command-line flags applied by the caller. Validate checks the merged
result once, after all sources.

	opts := config.NewDefault()
	if err := opts.LoadFromFile(path); err != nil {
		return err
	}
	opts.LoadFromEnv()
	if err := opts.Validate(); err != nil {
		return err
	}

Cache behavior is selected by CacheType: CacheNormal persists through
the server, CacheMemory keeps data local only, CacheNone refreshes on
every access.
*/
package config
