package directors

import (
	"fmt"

	"driftdb/src/auth"

	"go.uber.org/zap"
)

// UserService manages the credentials socket listeners authenticate
// against.
type UserService struct {
	store  *auth.CredentialStore
	logger *zap.SugaredLogger
}

func NewUserService(logger *zap.SugaredLogger) *UserService {
	return &UserService{
		store:  auth.NewCredentialStore(),
		logger: logger,
	}
}

func (s *UserService) AddUser(userName, password string) error {
	if userName == "" {
		return fmt.Errorf("user name must not be empty")
	}
	if err := s.store.SetPassword(userName, password); err != nil {
		return fmt.Errorf("failed to store credentials for %q: %w", userName, err)
	}
	s.logger.Infof("Added user %s", userName)
	return nil
}

func (s *UserService) RemoveUser(userName string) {
	s.store.RemoveUser(userName)
	s.logger.Infof("Removed user %s", userName)
}

// Verify checks a username/password pair against the stored credentials.
func (s *UserService) Verify(userName, password string) bool {
	return s.store.VerifyCredentials(userName, password)
}

// AuthCallback exposes the service as a socket auth callback. The context
// carries the listener identity and is only logged.
func (s *UserService) AuthCallback(context interface{}, username, password string) bool {
	ok := s.Verify(username, password)
	if !ok {
		s.logger.Warnf("Rejected credentials for user %s (listener %v)", username, context)
	}
	return ok
}
