// Package model defines the core domain types for chatline.
package model

import "time"

// Identity is the persisted association between a network address and a
// display handle. The address is the stable key and survives handle changes;
// the handle is unique among currently known handles and group names.
type Identity struct {
	Address string    `json:"address"`
	Handle  string    `json:"handle"`
	Online  bool      `json:"online"`
	Seen    time.Time `json:"seen"`
}

// Group is a persisted named group. Group names share one uniqueness
// namespace with user handles. A group row is never removed by the protocol;
// only its memberships come and go.
type Group struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	CreatorAddress string    `json:"creator_address"`
	CreatedAt      time.Time `json:"created_at"`
}

// Membership is one (address, group) pair of the many-to-many member relation.
type Membership struct {
	ID      int64  `json:"id"`
	Address string `json:"address"`
	GroupID int64  `json:"group_id"`
}
