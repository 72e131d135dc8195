package receipt

import "os"

// Config is the process-wide configuration surface, populated from
// environment variables. No config-file parser is introduced: stores and
// keystores are wired up via constructor parameters and environment
// variables alone, the way the rest of this module's dependencies are.
type Config struct {
	// WorkspaceRoot is the per-project tree root: receipts, exports, and
	// the attachment store all live under it.
	WorkspaceRoot string
	// ForceMemoryKeystore, when true, skips the OS-keyring probe and goes
	// straight to the process-scoped fallback.
	ForceMemoryKeystore bool
	// FallbackKeystoreDir, when non-empty, backs the keystore fallback
	// with 0600 files instead of pure memory.
	FallbackKeystoreDir string
	// SQLitePath is the database file path for a SQLite-backed store.
	SQLitePath string
	// MySQLDSN is the data source name for a MySQL-backed store.
	MySQLDSN string
}

const (
	envWorkspaceRoot       = "CAR_WORKSPACE_ROOT"
	envForceMemoryKeystore = "CAR_FORCE_MEMORY_KEYSTORE"
	envFallbackKeystoreDir = "CAR_FALLBACK_KEYSTORE_DIR"
	envSQLitePath          = "CAR_SQLITE_PATH"
	envMySQLDSN            = "CAR_MYSQL_DSN"
)

// LoadConfig populates a Config from the process environment. Every field
// has a usable zero value: an empty WorkspaceRoot means "current
// directory", an empty SQLitePath/MySQLDSN means "caller must supply one
// explicitly before constructing a store".
func LoadConfig() Config {
	return Config{
		WorkspaceRoot:       os.Getenv(envWorkspaceRoot),
		ForceMemoryKeystore: isTruthyEnv(envForceMemoryKeystore),
		FallbackKeystoreDir: os.Getenv(envFallbackKeystoreDir),
		SQLitePath:          os.Getenv(envSQLitePath),
		MySQLDSN:            os.Getenv(envMySQLDSN),
	}
}

func isTruthyEnv(name string) bool {
	switch os.Getenv(name) {
	case "1", "true", "True", "TRUE":
		return true
	default:
		return false
	}
}
