// Package memory is the process-lifetime store driver.
package memory

import (
	"context"
	"sync"

	"github.com/aussiebroadwan/bankdash/internal/dashboard/store"
	"github.com/aussiebroadwan/bankdash/pkg/dashsdk"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu     sync.RWMutex
	cred   dashsdk.Credential
	user   *dashsdk.User
	epoch  uint64
	closed bool
}

func NewStore() *Store { return &Store{} }

func (s *Store) LoadCredential(context.Context) (dashsdk.Credential, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return dashsdk.Credential{}, 0, store.ErrClosed
	}
	return s.cred, s.epoch, nil
}

func (s *Store) SaveCredential(_ context.Context, c dashsdk.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.cred = c
	s.epoch++
	return nil
}

func (s *Store) SaveCredentialIf(_ context.Context, c dashsdk.Credential, epoch uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, store.ErrClosed
	}
	if s.epoch != epoch {
		return false, nil
	}
	s.cred = c
	s.epoch++
	return true, nil
}

func (s *Store) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.cred = dashsdk.Credential{}
	s.user = nil
	s.epoch++
	return nil
}

func (s *Store) LoadUser(context.Context) (*dashsdk.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	if s.user == nil {
		return nil, nil
	}
	u := *s.user
	return &u, nil
}

func (s *Store) SaveUser(_ context.Context, u dashsdk.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	s.user = &u
	return nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
