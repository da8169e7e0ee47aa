package datastore

import (
	"context"

	"github.com/dhashemi/chatline/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for the routing table and
// group records. Implementations include the default SQLite store and the
// in-memory store used for testing. Every call is atomic on its own; the only
// multi-call transaction the service needs is create-group plus the creator's
// auto-join, which goes through Tx.
type DataStore interface {
	ConfigProvider

	IdentityReadProvider
	IdentityWriteProvider

	GroupReadProvider
	GroupWriteProvider

	MembershipReadProvider
	MembershipWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigProvider interface {
	Close() error
}

type IdentityReadProvider interface {
	GetIdentityByAddress(address string) (*model.Identity, error)
	GetIdentityByHandle(handle string) (*model.Identity, error)
	ListOnlineHandles() ([]string, error)
}

type IdentityWriteProvider interface {
	CreateIdentity(address, handle string) (*model.Identity, error)
	RenameIdentity(address, newHandle string) error
	SetOnline(address string, online bool) error
}

type GroupReadProvider interface {
	GetGroupByName(name string) (*model.Group, error)
	ListGroups() ([]model.Group, error)
}

type GroupWriteProvider interface {
	CreateGroup(name, creatorAddress string) (*model.Group, error)
}

type MembershipReadProvider interface {
	IsMember(address string, groupID int64) (bool, error)
	ListMemberAddresses(groupID int64) ([]string, error)
}

type MembershipWriteProvider interface {
	AddMember(address string, groupID int64) error
	RemoveMember(address string, groupID int64) error
}
