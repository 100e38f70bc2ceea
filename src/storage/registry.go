package storage

import (
	"sort"
	"sync"

	"driftdb/src/dberr"

	"go.uber.org/zap"
)

// EncryptionAlgorithm selects how a data file is encrypted at rest.
type EncryptionAlgorithm int

const (
	EncryptionNone EncryptionAlgorithm = iota
	EncryptionChaCha20Poly1305
)

// OpenOptions control how an Engine opens a data file.
type OpenOptions struct {
	Create              bool
	ReadOnly            bool
	NoUpgrade           bool
	EncryptionAlgorithm EncryptionAlgorithm
	EncryptionKey       []byte
	Logger              *zap.SugaredLogger
}

// Engine is the storage-engine capability: a named factory that knows its
// file extension and how to open data files with that format.
type Engine interface {
	Name() string
	DisplayName() string
	FileExtension() string
	OpenDataFile(path string, opts *OpenOptions) (*DataFile, error)
	FileExists(path string) bool
	// UpgradeDataFile rewrites an older on-disk format in place so that a
	// subsequent OpenDataFile succeeds.
	UpgradeDataFile(path string, opts *OpenOptions) error
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Engine)
)

// RegisterEngine makes an engine selectable by name. Later registrations
// with the same name replace earlier ones.
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[e.Name()] = e
}

// EngineNamed looks up an engine; an empty name selects the default engine.
func EngineNamed(name string) (Engine, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	if name == "" {
		name = DefaultEngineName
	}
	e, ok := engines[name]
	if !ok {
		return nil, dberr.Newf(dberr.LiteDomain, dberr.Unimplemented,
			"no storage engine registered with name %q", name)
	}
	return e, nil
}

// Engines returns every registered engine, sorted by name.
func Engines() []Engine {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	out := make([]Engine, 0, len(engines))
	for _, e := range engines {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
