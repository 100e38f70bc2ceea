package directors

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"driftdb/src/engine"
	"driftdb/src/settings"

	"go.uber.org/zap"
)

// BundleService manages the open database bundles under the data
// directory. Bundle names are case-insensitive; each maps to a
// <name>.driftdb directory.
type BundleService struct {
	settings *settings.Arguments
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	bundles map[string]*engine.Database
}

func NewBundleService(settings *settings.Arguments, logger *zap.SugaredLogger) *BundleService {
	return &BundleService{
		settings: settings,
		logger:   logger,
		bundles:  make(map[string]*engine.Database),
	}
}

func bundleKey(name string) string {
	return strings.ToLower(name)
}

func (s *BundleService) bundlePath(name string) string {
	return filepath.Join(s.settings.DataDir, name+".driftdb")
}

func (s *BundleService) configFor() engine.Config {
	versioning := engine.VersioningRevTrees
	if s.settings.VersionVectors {
		versioning = engine.VersioningVectors
	}
	return engine.Config{
		Create:        s.settings.Create,
		ReadOnly:      s.settings.ReadOnly,
		NoUpgrade:     s.settings.NoUpgrade,
		Versioning:    versioning,
		StorageEngine: s.settings.StorageEngine,
		Logger:        s.logger,
	}
}

// OpenBundle opens the named bundle, creating it when the service's
// settings allow. A second open of the same name returns the already open
// handle.
func (s *BundleService) OpenBundle(name string) (*engine.Database, error) {
	if name == "" {
		return nil, fmt.Errorf("bundle name must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.bundles[bundleKey(name)]; ok {
		return db, nil
	}
	db, err := engine.Open(s.bundlePath(name), s.configFor())
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle %q: %w", name, err)
	}
	s.bundles[bundleKey(name)] = db
	s.logger.Infof("Opened bundle %s at %s", name, db.Path())
	return db, nil
}

// GetBundle returns an already open bundle, or an error if it is not open.
func (s *BundleService) GetBundle(name string) (*engine.Database, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.bundles[bundleKey(name)]; ok {
		return db, nil
	}
	return nil, fmt.Errorf("bundle '%s' is not open", name)
}

// CloseBundle closes the named bundle and drops it from the registry.
func (s *BundleService) CloseBundle(name string) error {
	s.mu.Lock()
	db, ok := s.bundles[bundleKey(name)]
	if ok {
		delete(s.bundles, bundleKey(name))
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("bundle '%s' is not open", name)
	}
	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close bundle %q: %w", name, err)
	}
	s.logger.Infof("Closed bundle %s", name)
	return nil
}

// DeleteBundle closes the named bundle if open and removes its files.
func (s *BundleService) DeleteBundle(name string) error {
	s.mu.Lock()
	db, open := s.bundles[bundleKey(name)]
	if open {
		delete(s.bundles, bundleKey(name))
	}
	s.mu.Unlock()
	if open {
		if err := db.CloseAndDeleteFile(); err != nil {
			return fmt.Errorf("failed to delete bundle %q: %w", name, err)
		}
		s.logger.Infof("Deleted bundle %s", name)
		return nil
	}
	if err := engine.DeleteBundle(s.bundlePath(name)); err != nil {
		return fmt.Errorf("failed to delete bundle %q: %w", name, err)
	}
	s.logger.Infof("Deleted bundle %s", name)
	return nil
}

// ListBundles returns the names of the currently open bundles.
func (s *BundleService) ListBundles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.bundles))
	for name := range s.bundles {
		names = append(names, name)
	}
	return names
}

// CloseAll closes every open bundle, keeping the first error.
func (s *BundleService) CloseAll() error {
	s.mu.Lock()
	bundles := s.bundles
	s.bundles = make(map[string]*engine.Database)
	s.mu.Unlock()

	var firstErr error
	for name, db := range bundles {
		if err := db.Close(); err != nil {
			s.logger.Errorf("Error closing bundle %s: %v", name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
