package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/dhashemi/chatline/pkg/datastore"
	"github.com/dhashemi/chatline/pkg/model"
	"github.com/dhashemi/chatline/pkg/namepool"
	"github.com/dhashemi/chatline/pkg/protocol"
)

// ErrNameTaken reports a handle or group name already claimed in the shared
// namespace. It is encoded into the protocol's -1 result, never surfaced
// elsewhere.
var ErrNameTaken = errors.New("server: name already in use")

// MembershipResult is the tri-state outcome of join/leave operations.
type MembershipResult int

const (
	MembershipOk MembershipResult = iota
	MembershipNoSuchGroup
	MembershipNoOp // already a member on join, not a member on leave
)

// Router is the presence directory: it maps identities and groups to live
// sessions and mediates every mutation of shared routing state. All mutating
// operations are serialized behind one lock so racing sessions cannot both
// claim the same name; reads run concurrently.
type Router struct {
	mu       sync.RWMutex
	store    datastore.DataProviderFactory
	names    *namepool.Pool
	metrics  *Metrics
	mediaDir string
	sessions map[string]*Session // address -> live session
}

// NewRouter creates a router backed by the given store and name pool.
func NewRouter(store datastore.DataProviderFactory, names *namepool.Pool, metrics *Metrics, mediaDir string) *Router {
	return &Router{
		store:    store,
		names:    names,
		metrics:  metrics,
		mediaDir: mediaDir,
		sessions: make(map[string]*Session),
	}
}

// Attach assigns an identity to a freshly accepted connection, registers the
// session and sends the INIT_USERNAME control frame before any other traffic
// can reach it. Name pool exhaustion is returned unwrapped so the accept loop
// can distinguish it from per-connection failures.
func (r *Router) Attach(conn net.Conn) (*Session, error) {
	addr := conn.RemoteAddr().String()

	r.mu.Lock()
	defer r.mu.Unlock()

	handle, err := r.assignIdentity(addr)
	if err != nil {
		return nil, err
	}

	sess := newSession(conn, addr, handle, r, r.mediaDir)
	r.sessions[addr] = sess
	r.metrics.HandlesAssigned.Add(1)

	// Still under the directory lock: no broadcast can interleave before the
	// client learns its handle.
	init := protocol.Frame{
		Sender:    protocol.ServerName,
		Recipient: handle,
		Content:   protocol.InitUsername(handle),
	}
	if err := sess.send(init); err != nil {
		delete(r.sessions, addr)
		// The identity row stays (its handle is reserved for this address);
		// only the online flag is rolled back.
		if serr := r.store.NonTx().SetOnline(addr, false); serr != nil {
			slog.Error("mark offline failed", "remote", addr, "err", serr)
		}
		return nil, fmt.Errorf("server: send init frame: %w", err)
	}
	return sess, nil
}

// assignIdentity draws a fresh handle for a first-time address or revives the
// stored identity of a returning one. Caller holds the lock.
func (r *Router) assignIdentity(addr string) (string, error) {
	st := r.store.NonTx()

	id, err := st.GetIdentityByAddress(addr)
	if err != nil {
		return "", fmt.Errorf("server: look up identity: %w", err)
	}
	if id != nil {
		if err := st.SetOnline(addr, true); err != nil {
			return "", fmt.Errorf("server: set online: %w", err)
		}
		return id.Handle, nil
	}

	handle, err := r.names.Take()
	if err != nil {
		return "", err // namepool.ErrExhausted stays recognizable
	}
	if _, err := st.CreateIdentity(addr, handle); err != nil {
		return "", fmt.Errorf("server: create identity: %w", err)
	}
	return handle, nil
}

// Detach removes a session from the active set and marks its identity
// offline. The identity record itself is never deleted.
func (r *Router) Detach(sess *Session) {
	r.mu.Lock()
	delete(r.sessions, sess.addr)
	r.mu.Unlock()

	if err := r.store.NonTx().SetOnline(sess.addr, false); err != nil {
		slog.Error("mark offline failed", "remote", sess.addr, "err", err)
	}
}

// Broadcast sends a frame to every live session except exceptAddr.
func (r *Router) Broadcast(f protocol.Frame, exceptAddr string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for addr, sess := range r.sessions {
		if addr == exceptAddr {
			continue
		}
		if err := sess.send(f); err != nil {
			slog.Error("broadcast write failed", "remote", addr, "err", err)
		}
	}
	r.metrics.MessagesBroadcast.Add(1)
}

// Resolve maps a target identity to the live sessions that should receive a
// frame: a single session for a user handle (none if offline), the live
// member sessions for a group name (sender excluded), or every other session
// for the broadcast identity.
func (r *Router) Resolve(target, fromAddr string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if target == protocol.Broadcast {
		out := make([]*Session, 0, len(r.sessions))
		for addr, sess := range r.sessions {
			if addr != fromAddr {
				out = append(out, sess)
			}
		}
		return out
	}

	st := r.store.NonTx()

	if id, err := st.GetIdentityByHandle(target); err == nil && id != nil {
		if sess, ok := r.sessions[id.Address]; ok {
			return []*Session{sess}
		}
		return nil
	}

	g, err := st.GetGroupByName(target)
	if err != nil || g == nil {
		return nil
	}
	addrs, err := st.ListMemberAddresses(g.ID)
	if err != nil {
		slog.Error("list group members failed", "group", target, "err", err)
		return nil
	}
	var out []*Session
	for _, addr := range addrs {
		if addr == fromAddr {
			continue
		}
		if sess, ok := r.sessions[addr]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// NameExists reports whether a name is claimed anywhere in the shared
// namespace: user handles, group names and the reserved identities.
func (r *Router) NameExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nameExistsLocked(name)
}

func (r *Router) nameExistsLocked(name string) bool {
	if name == protocol.Broadcast || name == protocol.ServerName {
		return true
	}
	st := r.store.NonTx()
	if id, err := st.GetIdentityByHandle(name); err == nil && id != nil {
		return true
	}
	if g, err := st.GetGroupByName(name); err == nil && g != nil {
		return true
	}
	return false
}

// Rename changes the handle of an address. The uniqueness check spans both
// user handles and group names. On success the change is persisted, the live
// session updated and a notice broadcast to all other sessions; the requester
// only sees its own *_result reply.
func (r *Router) Rename(addr, newHandle string) error {
	r.mu.Lock()
	if r.nameExistsLocked(newHandle) {
		r.mu.Unlock()
		return ErrNameTaken
	}

	st := r.store.NonTx()
	id, err := st.GetIdentityByAddress(addr)
	if err != nil || id == nil {
		r.mu.Unlock()
		return fmt.Errorf("server: rename: unknown address %s: %w", addr, err)
	}
	oldHandle := id.Handle

	if err := st.RenameIdentity(addr, newHandle); err != nil {
		r.mu.Unlock()
		return err
	}
	if sess, ok := r.sessions[addr]; ok {
		sess.setHandle(newHandle)
	}
	r.mu.Unlock()

	r.metrics.Renames.Add(1)
	notice := fmt.Sprintf("User %s has changed their username to %s!"+
		" If you want to chat with them, you need to enter command `%s %s`",
		oldHandle, newHandle, protocol.CmdChangeChat, newHandle)
	r.Broadcast(protocol.Frame{
		Sender:    protocol.ServerName,
		Recipient: protocol.Broadcast,
		Content:   notice,
	}, addr)
	return nil
}

// CreateGroup creates a group and auto-joins its creator. Both rows are
// committed in one store transaction or not at all.
func (r *Router) CreateGroup(addr, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nameExistsLocked(name) {
		return ErrNameTaken
	}

	tx, err := r.store.Tx(context.Background())
	if err != nil {
		return fmt.Errorf("server: create group: begin tx: %w", err)
	}
	g, err := tx.CreateGroup(name, addr)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.AddMember(addr, g.ID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("server: create group: commit: %w", err)
	}

	r.metrics.GroupsCreated.Add(1)
	return nil
}

// JoinGroup adds an address to a group. On Ok the post-join membership gets a
// notification broadcast; NoOp (already a member) and NoSuchGroup produce no
// side effects.
func (r *Router) JoinGroup(addr, name string) (MembershipResult, error) {
	r.mu.Lock()
	st := r.store.NonTx()

	g, err := st.GetGroupByName(name)
	if err != nil {
		r.mu.Unlock()
		return MembershipNoSuchGroup, err
	}
	if g == nil {
		r.mu.Unlock()
		return MembershipNoSuchGroup, nil
	}
	member, err := st.IsMember(addr, g.ID)
	if err != nil {
		r.mu.Unlock()
		return MembershipNoOp, err
	}
	if member {
		r.mu.Unlock()
		return MembershipNoOp, nil
	}
	if err := st.AddMember(addr, g.ID); err != nil {
		r.mu.Unlock()
		return MembershipNoOp, err
	}
	handle := r.handleOf(addr)
	r.mu.Unlock()

	r.metrics.GroupJoins.Add(1)
	r.notifyGroup(name, fmt.Sprintf("%s just joined the group %s!", handle, name))
	return MembershipOk, nil
}

// LeaveGroup removes an address from a group with the same tri-state
// semantics as JoinGroup; the notification goes to the post-leave membership.
func (r *Router) LeaveGroup(addr, name string) (MembershipResult, error) {
	r.mu.Lock()
	st := r.store.NonTx()

	g, err := st.GetGroupByName(name)
	if err != nil {
		r.mu.Unlock()
		return MembershipNoSuchGroup, err
	}
	if g == nil {
		r.mu.Unlock()
		return MembershipNoSuchGroup, nil
	}
	member, err := st.IsMember(addr, g.ID)
	if err != nil {
		r.mu.Unlock()
		return MembershipNoOp, err
	}
	if !member {
		r.mu.Unlock()
		return MembershipNoOp, nil
	}
	if err := st.RemoveMember(addr, g.ID); err != nil {
		r.mu.Unlock()
		return MembershipNoOp, err
	}
	handle := r.handleOf(addr)
	r.mu.Unlock()

	r.metrics.GroupLeaves.Add(1)
	r.notifyGroup(name, fmt.Sprintf("%s left the group %s!", handle, name))
	return MembershipOk, nil
}

// handleOf returns the display handle of an address. Caller holds the lock.
func (r *Router) handleOf(addr string) string {
	if sess, ok := r.sessions[addr]; ok {
		return sess.Handle()
	}
	if id, err := r.store.NonTx().GetIdentityByAddress(addr); err == nil && id != nil {
		return id.Handle
	}
	return addr
}

// notifyGroup sends a server notice to the current live members of a group.
func (r *Router) notifyGroup(name, text string) {
	f := protocol.Frame{
		Sender:    protocol.ServerName,
		Recipient: name,
		Content:   text,
	}
	for _, sess := range r.Resolve(name, "") {
		if err := sess.send(f); err != nil {
			slog.Error("group notice write failed", "remote", sess.addr, "err", err)
		}
	}
}

// ListOnline returns the handles of currently online identities in the
// store's retrieval order. Callers must not depend on that order beyond
// display.
func (r *Router) ListOnline() ([]string, error) {
	return r.store.NonTx().ListOnlineHandles()
}

// ListGroups returns all known groups.
func (r *Router) ListGroups() ([]model.Group, error) {
	return r.store.NonTx().ListGroups()
}

// SessionCount returns the number of live sessions.
func (r *Router) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
