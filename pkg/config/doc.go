// Package config loads the fleetsetup configuration and task catalog.
//
// # Application configuration
//
// AppConfig is read from a YAML file over DefaultConfig and validated with
// struct tags. A few settings can be overridden from the environment, which
// may itself be populated from a .env file with LoadDotEnv:
//
//	FLEETSETUP_DB_PATH       database.path
//	FLEETSETUP_PARALLELISM   engine.parallelism
//	FLEETSETUP_RUNNER_MODE   runner.mode (local or ssh)
//	FLEETSETUP_NATS_URL      events.nats_url
//
// # Task catalog
//
// The catalog is written in CUE and checked against a schema before it is
// decoded. Tasks run on each machine in list order:
//
//	tasks: [
//		{
//			name:        "install_office"
//			action:      "install_office.ps1"
//			description: "Install Microsoft 365 Apps"
//			timeout:     "60m"
//			estimate:    "25m"
//			options: channel: "MonthlyEnterprise"
//		},
//	]
//
// A built-in catalog with the standard Windows client tasks is embedded and
// used when no catalog path is configured. CatalogWatcher serves a catalog
// from disk and swaps in a new one whenever its files change and still load.
package config
