// Package store provides an in-memory DataStore implementation for tests.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dhashemi/chatline/pkg/datastore"
	"github.com/dhashemi/chatline/pkg/model"
)

// MemoryStore is an in-memory DataStore that mirrors SQLite behavior for
// validation and error handling. It also implements DataProviderFactory so
// it can stand in for the SQL provider wherever one is injected.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextGroupID      int64
	nextMembershipID int64

	identitiesByAddr map[string]*model.Identity
	groupsByName     map[string]*model.Group
	memberships      map[int64]*model.Membership
}

// Compile-time checks.
var _ datastore.DataStore = (*MemoryStore)(nil)
var _ datastore.DataProviderFactory = (*MemoryStore)(nil)

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:              now,
		nextGroupID:      1,
		nextMembershipID: 1,
		identitiesByAddr: make(map[string]*model.Identity),
		groupsByName:     make(map[string]*model.Group),
		memberships:      make(map[int64]*model.Membership),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// NonTx returns the store itself.
func (s *MemoryStore) NonTx() datastore.DataStore {
	return s
}

// Tx returns a transaction view that records created rows so Rollback can
// undo the create-group / auto-join pair, the only multi-call transaction the
// service performs.
func (s *MemoryStore) Tx(_ context.Context) (datastore.DataStoreTx, error) {
	return &memoryTx{MemoryStore: s}, nil
}

// CreateIdentity inserts a routing-table entry for a first-time address.
func (s *MemoryStore) CreateIdentity(address, handle string) (*model.Identity, error) {
	if err := model.ValidateHandle(handle); err != nil {
		return nil, fmt.Errorf("store: create identity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identitiesByAddr[address]; exists {
		return nil, fmt.Errorf("store: create identity: constraint failed: UNIQUE constraint failed: identities.address")
	}
	for _, existing := range s.identitiesByAddr {
		if existing.Handle == handle {
			return nil, fmt.Errorf("store: create identity: constraint failed: UNIQUE constraint failed: identities.handle")
		}
	}
	id := &model.Identity{
		Address: address,
		Handle:  handle,
		Online:  true,
		Seen:    s.now().UTC(),
	}
	s.identitiesByAddr[address] = id
	copyID := *id
	return &copyID, nil
}

// GetIdentityByAddress retrieves an identity by address, nil if absent.
func (s *MemoryStore) GetIdentityByAddress(address string) (*model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identitiesByAddr[address]
	if !ok {
		return nil, nil
	}
	copyID := *id
	return &copyID, nil
}

// GetIdentityByHandle retrieves an identity by current handle, nil if absent.
func (s *MemoryStore) GetIdentityByHandle(handle string) (*model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.identitiesByAddr {
		if id.Handle == handle {
			copyID := *id
			return &copyID, nil
		}
	}
	return nil, nil
}

// RenameIdentity changes the handle stored for an address.
func (s *MemoryStore) RenameIdentity(address, newHandle string) error {
	if err := model.ValidateHandle(newHandle); err != nil {
		return fmt.Errorf("store: rename identity: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.identitiesByAddr[address]; ok {
		id.Handle = newHandle
	}
	return nil
}

// SetOnline flips the online flag of an address.
func (s *MemoryStore) SetOnline(address string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.identitiesByAddr[address]; ok {
		id.Online = online
		id.Seen = s.now().UTC()
	}
	return nil
}

// ListOnlineHandles returns the handles of all online identities.
// Map iteration order stands in for store retrieval order, which callers must
// not depend on anyway.
func (s *MemoryStore) ListOnlineHandles() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var handles []string
	for _, id := range s.identitiesByAddr {
		if id.Online {
			handles = append(handles, id.Handle)
		}
	}
	return handles, nil
}

// CreateGroup inserts a group row and returns it with the assigned ID.
func (s *MemoryStore) CreateGroup(name, creatorAddress string) (*model.Group, error) {
	if err := model.ValidateHandle(name); err != nil {
		return nil, fmt.Errorf("store: create group: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createGroupLocked(name, creatorAddress)
}

func (s *MemoryStore) createGroupLocked(name, creatorAddress string) (*model.Group, error) {
	if _, exists := s.groupsByName[name]; exists {
		return nil, fmt.Errorf("store: create group: constraint failed: UNIQUE constraint failed: groups.name")
	}
	g := &model.Group{
		ID:             s.nextGroupID,
		Name:           name,
		CreatorAddress: creatorAddress,
		CreatedAt:      s.now().UTC(),
	}
	s.nextGroupID++
	s.groupsByName[name] = g
	copyG := *g
	return &copyG, nil
}

// GetGroupByName retrieves a group by name, nil if absent.
func (s *MemoryStore) GetGroupByName(name string) (*model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groupsByName[name]
	if !ok {
		return nil, nil
	}
	copyG := *g
	return &copyG, nil
}

// ListGroups returns all groups in id order.
func (s *MemoryStore) ListGroups() ([]model.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := make([]model.Group, 0, len(s.groupsByName))
	for _, g := range s.groupsByName {
		groups = append(groups, *g)
	}
	for i := 1; i < len(groups); i++ {
		for j := i; j > 0 && groups[j-1].ID > groups[j].ID; j-- {
			groups[j-1], groups[j] = groups[j], groups[j-1]
		}
	}
	return groups, nil
}

// AddMember inserts one (address, group) membership row.
func (s *MemoryStore) AddMember(address string, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMemberLocked(address, groupID)
	return nil
}

func (s *MemoryStore) addMemberLocked(address string, groupID int64) int64 {
	m := &model.Membership{
		ID:      s.nextMembershipID,
		Address: address,
		GroupID: groupID,
	}
	s.nextMembershipID++
	s.memberships[m.ID] = m
	return m.ID
}

// RemoveMember deletes the membership rows of an address in a group.
func (s *MemoryStore) RemoveMember(address string, groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.memberships {
		if m.Address == address && m.GroupID == groupID {
			delete(s.memberships, id)
		}
	}
	return nil
}

// IsMember reports whether an address belongs to a group.
func (s *MemoryStore) IsMember(address string, groupID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.memberships {
		if m.Address == address && m.GroupID == groupID {
			return true, nil
		}
	}
	return false, nil
}

// ListMemberAddresses returns the addresses of all members of a group.
func (s *MemoryStore) ListMemberAddresses(groupID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var addrs []string
	for _, m := range s.memberships {
		if m.GroupID == groupID {
			addrs = append(addrs, m.Address)
		}
	}
	return addrs, nil
}

// memoryTx overlays undo bookkeeping on the store. Only the write operations
// the service performs inside a transaction record undo entries.
type memoryTx struct {
	*MemoryStore

	createdGroups      []string
	createdMemberships []int64
	done               bool
}

func (tx *memoryTx) CreateGroup(name, creatorAddress string) (*model.Group, error) {
	g, err := tx.MemoryStore.CreateGroup(name, creatorAddress)
	if err != nil {
		return nil, err
	}
	tx.createdGroups = append(tx.createdGroups, g.Name)
	return g, nil
}

func (tx *memoryTx) AddMember(address string, groupID int64) error {
	tx.mu.Lock()
	id := tx.addMemberLocked(address, groupID)
	tx.mu.Unlock()
	tx.createdMemberships = append(tx.createdMemberships, id)
	return nil
}

func (tx *memoryTx) Commit() error {
	tx.done = true
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, id := range tx.createdMemberships {
		delete(tx.memberships, id)
	}
	for _, name := range tx.createdGroups {
		delete(tx.groupsByName, name)
	}
	tx.done = true
	return nil
}
