package cli

import (
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/neuralsieve/relay/internal/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// RELAY_DATA_DIR env var, or ~/.sieve-relay as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("RELAY_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.sieve-relay"
}

// openStore opens the relay store using the configured driver. SQLite lives
// under the data dir; Postgres needs a DSN from config or environment.
func openStore() (*store.Store, error) {
	driver := viper.GetString("store.driver")
	if driver == "" || driver == store.DriverSQLite {
		return store.NewSQLite(resolveDataDir())
	}
	return store.New(driver, viper.GetString("store.dsn"))
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
