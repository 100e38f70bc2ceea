package settings

import "sync"

type Arguments struct {
	// The file path to the database bundle directory
	DataDir string

	// Directory for log files (empty means stdout only)
	LogDir string

	// Name of the storage engine to open bundles with (empty = probe)
	StorageEngine string

	// Create the bundle if it does not exist
	Create bool

	// Open the bundle read-only
	ReadOnly bool

	// Refuse automatic upgrade of older on-disk formats
	NoUpgrade bool

	// Use version vectors instead of revision trees
	VersionVectors bool

	// Host name or IP address the socket listener binds to
	Host string

	// Port for the socket listener
	Port int

	// Require credentials on incoming socket connections
	AuthEnabled bool

	// Strongly verbose logging
	Verbose bool

	Debug bool

	// Shows version
	Version string
}

var (
	instance *Arguments
	once     sync.Once
)

// GetSettings returns the global settings instance
func GetSettings() *Arguments {
	once.Do(func() {
		instance = &Arguments{}
	})
	return instance
}
