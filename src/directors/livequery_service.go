package directors

import (
	"fmt"
	"sync"

	"driftdb/src/engine"
	"driftdb/src/livequery"

	"go.uber.org/zap"
)

// LiveQueryService tracks the running live queries so callers can stop
// them by handle.
type LiveQueryService struct {
	logger *zap.SugaredLogger

	mu       sync.Mutex
	nextID   uint64
	queriers map[uint64]*livequery.LiveQuerier
}

func NewLiveQueryService(logger *zap.SugaredLogger) *LiveQueryService {
	return &LiveQueryService{
		logger:   logger,
		queriers: make(map[uint64]*livequery.LiveQuerier),
	}
}

// StartQuery spawns a continuous live query against the bundle and returns
// a handle for stopping it.
func (s *LiveQueryService) StartQuery(db *engine.Database, expression string,
	language livequery.QueryLanguage, opts livequery.Options,
	delegate livequery.Delegate) (uint64, error) {

	querier, err := livequery.New(db, expression, language, true, delegate, s.logger)
	if err != nil {
		return 0, fmt.Errorf("failed to start live query: %w", err)
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.queriers[id] = querier
	s.mu.Unlock()

	querier.Start(opts)
	return id, nil
}

// StopQuery stops the live query with the given handle.
func (s *LiveQueryService) StopQuery(id uint64) error {
	s.mu.Lock()
	querier, ok := s.queriers[id]
	if ok {
		delete(s.queriers, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live query with handle %d", id)
	}
	querier.Stop()
	return nil
}

// StopAll stops every running live query.
func (s *LiveQueryService) StopAll() {
	s.mu.Lock()
	queriers := s.queriers
	s.queriers = make(map[uint64]*livequery.LiveQuerier)
	s.mu.Unlock()
	for _, querier := range queriers {
		querier.Stop()
	}
}
