package database

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore 在进程内保存会话状态，未启用 MongoDB 时使用
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionData)}
}

func (ms *MemoryStore) GetSession(_ context.Context, clientID string) (*SessionData, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	session, ok := ms.sessions[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
	}
	return cloneSession(session), nil
}

func (ms *MemoryStore) SaveSession(_ context.Context, session *SessionData) error {
	if session.ClientID == "" {
		return ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[session.ClientID] = cloneSession(session)
	return nil
}

func (ms *MemoryStore) DeleteSession(_ context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, clientID)
	return nil
}

func cloneSession(s *SessionData) *SessionData {
	c := *s
	c.Subscriptions = append([]SubscriptionData(nil), s.Subscriptions...)
	c.Pending = append([]PendingMessage(nil), s.Pending...)
	return &c
}
