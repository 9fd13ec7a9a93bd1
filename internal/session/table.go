// Package session holds the relay's table of registered peers.
//
// The Table is the only state shared between the registration and relay
// services. Every read and write goes through one mutex, so a fan-out always
// sees a consistent set of peers for a single datagram.
package session

import (
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Peer is one registered participant.
type Peer struct {
	// ID is assigned by the server and derived from Addr.
	ID string

	// Addr is where relayed datagrams for this peer are sent.
	Addr netip.AddrPort

	RegisteredAt time.Time
	LastSeen     time.Time
}

// UDPAddr returns the peer address as a *net.UDPAddr.
func (p Peer) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(p.Addr)
}

// PeerID derives the identifier for a peer reachable at host:port.
// The result is deterministic so re-registration maps to the same entry.
func PeerID(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Table maps peer identifiers to peers.
type Table struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	now   func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		peers: make(map[string]*Peer),
		now:   time.Now,
	}
}

// Register inserts or refreshes the peer at addr and returns its entry.
// created is false when the identifier was already present; the entry is
// then overwritten with the same address.
func (t *Table) Register(addr netip.AddrPort) (peer Peer, created bool) {
	addr = Normalize(addr)
	id := PeerID(addr.Addr().String(), int(addr.Port()))
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = &Peer{ID: id, RegisteredAt: now}
		t.peers[id] = p
	}
	p.Addr = addr
	p.LastSeen = now

	return *p, !ok
}

// Get returns the peer with the given identifier.
func (t *Table) Get(id string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Remove deletes a peer. Peers are never removed implicitly; this is only
// reached through an explicit operator request.
func (t *Table) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.peers[id]; !ok {
		return false
	}
	delete(t.peers, id)
	return true
}

// Recipients returns the addresses of every peer whose address differs from
// source. The copy is taken under the table lock, so it is a consistent
// snapshot. If a registered peer matches source its LastSeen is refreshed.
func (t *Table) Recipients(source netip.AddrPort, dst []netip.AddrPort) []netip.AddrPort {
	source = Normalize(source)
	dst = dst[:0]

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.peers {
		if p.Addr == source {
			p.LastSeen = t.now()
			continue
		}
		dst = append(dst, p.Addr)
	}
	return dst
}

// Peers returns a copy of all peers sorted by identifier.
func (t *Table) Peers() []Peer {
	t.mu.RLock()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Normalize unmaps IPv4-mapped IPv6 addresses so that a peer registered over
// a dual-stack TCP socket compares equal to the datagrams it sends.
func Normalize(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}
