// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to
// encrypted local file storage when not.
package keyring

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/zalando/go-keyring"
	"go.uber.org/zap"

	"github.com/yllada/vpnctl/common"
	"github.com/yllada/vpnctl/vpn"
)

// serviceName is the identifier used in the system keyring.
const serviceName = common.AppName

// Backend stores secrets by key.
type Backend interface {
	Set(key, secret string) error
	// Get returns common.ErrCredentialsNotFound for unknown keys.
	Get(key string) (string, error)
	Delete(key string) error
}

// systemBackend is the desktop secret service.
type systemBackend struct {
	service string
}

func (b systemBackend) Set(key, secret string) error {
	return keyring.Set(b.service, key, secret)
}

func (b systemBackend) Get(key string) (string, error) {
	v, err := keyring.Get(b.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", common.ErrCredentialsNotFound
	}
	return v, err
}

func (b systemBackend) Delete(key string) error {
	err := keyring.Delete(b.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// probe reports whether the secret service answers.
func (b systemBackend) probe() bool {
	const testKey = common.AppName + "-test-init"
	if err := keyring.Set(b.service, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(b.service, testKey)
	return true
}

// Store keeps profile passwords in the system keyring, switching to the
// encrypted file when the keyring refuses a write.
type Store struct {
	mu       sync.Mutex
	primary  Backend
	fallback Backend
	useLocal bool
	log      *zap.SugaredLogger
}

// NewStore creates a store over primary with fallback for failures. Either
// may be nil.
func NewStore(primary, fallback Backend) *Store {
	return &Store{
		primary:  primary,
		fallback: fallback,
		useLocal: primary == nil,
		log:      common.Named("keyring"),
	}
}

// Open probes the system keyring and prepares the file fallback in dir.
func Open(dir string) (*Store, error) {
	file, err := NewFileBackend(filepath.Join(dir, common.CredentialsFileName))
	if err != nil {
		return nil, err
	}
	sys := systemBackend{service: serviceName}
	if !sys.probe() {
		common.Named("keyring").Info("System keyring unavailable, using encrypted file")
		return NewStore(nil, file), nil
	}
	return NewStore(sys, file), nil
}

// Set saves a password for a VPN profile.
func (s *Store) Set(profileID, password string) error {
	if profileID == "" {
		return errors.New("profile ID cannot be empty")
	}
	if password == "" {
		return errors.New("password cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		err := s.primary.Set(profileID, password)
		if err == nil {
			return nil
		}
		if s.fallback == nil {
			return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
		}
		s.log.Warnf("System keyring write failed, switching to file: %v", err)
		s.useLocal = true
	}
	if s.fallback == nil {
		return common.ErrCredentialStorage
	}
	return s.fallback.Set(profileID, password)
}

// Get retrieves a password for a VPN profile.
func (s *Store) Get(profileID string) (string, error) {
	if profileID == "" {
		return "", errors.New("profile ID cannot be empty")
	}

	s.mu.Lock()
	useLocal := s.useLocal
	s.mu.Unlock()

	if !useLocal {
		v, err := s.primary.Get(profileID)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, common.ErrCredentialsNotFound) {
			s.log.Debugf("System keyring read failed: %v", err)
		}
	}
	if s.fallback == nil {
		return "", common.ErrCredentialsNotFound
	}
	return s.fallback.Get(profileID)
}

// Delete removes a password for a VPN profile from both backends.
func (s *Store) Delete(profileID string) error {
	if profileID == "" {
		return errors.New("profile ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.primary != nil && !s.useLocal {
		errs = append(errs, s.primary.Delete(profileID))
	}
	if s.fallback != nil {
		errs = append(errs, s.fallback.Delete(profileID))
	}
	return errors.Join(errs...)
}

// Exists checks if a credential exists for a VPN profile.
func (s *Store) Exists(profileID string) bool {
	_, err := s.Get(profileID)
	return err == nil
}

// PromptFunc asks the user for a password.
type PromptFunc func(username string, t vpn.ConnectionType) (string, error)

// Supplier returns the credential supplier for one profile. A missing
// password is asked for with prompt when it is non-nil and saved when
// remember is set.
func (s *Store) Supplier(profileID, username string, prompt PromptFunc, remember bool) vpn.CredentialSupplier {
	return vpn.CredentialFunc(func(t vpn.ConnectionType) (vpn.Credentials, error) {
		pw, err := s.Get(profileID)
		if errors.Is(err, common.ErrCredentialsNotFound) && prompt != nil {
			pw, err = prompt(username, t)
			if err == nil && remember && pw != "" {
				if serr := s.Set(profileID, pw); serr != nil {
					s.log.Warnf("Saving password for %s: %v", profileID, serr)
				}
			}
		}
		if err != nil {
			return vpn.Credentials{}, err
		}
		return vpn.Credentials{Username: username, Secret: common.NewSecret(pw)}, nil
	})
}
