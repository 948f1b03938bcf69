// Package config provides the keygate configuration model and its loading.
//
// Configuration is a single YAML document. Values may reference environment
// variables with ${VAR} or ${VAR:-default}; "$$" yields a literal dollar
// sign. Fields left out of the document keep the values of DefaultConfig.
//
//	cfg, err := config.Load("keygate.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := config.ValidateConfig(cfg); err != nil {
//	    log.Fatal(err)
//	}
//
// The section accessors (APIKey, RateLimiter, Storage, SecretsProvider)
// translate the document into the option structs of the packages that
// consume them.
//
// # File Watching
//
// Watcher reports changes to a single file. keygate uses it on the key
// import file of the file secrets provider to re-run the bulk import:
//
//	w, err := config.NewWatcher(path, func(ctx context.Context) {
//	    _, _ = svc.Reload(ctx)
//	})
//	err = w.Start(ctx)
//	defer w.Stop()
package config
