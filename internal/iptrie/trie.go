// Package iptrie implements an associative IPv4 prefix trie answering
// longest-prefix-match queries in O(prefix length).
//
// A Trie is not safe for concurrent mutation. The intended use is to build it
// once, then publish it to readers and never touch it again; concurrent
// Lookups on a trie that is no longer written to are safe.
package iptrie

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

var (
	ErrInvalidPrefix = errors.New("iptrie: invalid prefix")
	ErrNotIPv4       = errors.New("iptrie: prefix is not IPv4")
)

type node[V any] struct {
	children [2]*node[V]
	value    V
	set      bool
}

type Trie[V any] struct {
	root node[V]
	size int
}

func New[V any]() *Trie[V] {
	return &Trie[V]{}
}

// Insert associates v with p. Host bits of p are ignored, and inserting the
// same prefix twice replaces the earlier value.
func (t *Trie[V]) Insert(p netip.Prefix, v V) error {
	if !p.IsValid() {
		return ErrInvalidPrefix
	}

	addr := p.Addr()
	if !addr.Is4() {
		return ErrNotIPv4
	}

	bits := p.Bits()
	key := toUint32(addr)

	n := &t.root
	for i := 0; i < bits; i++ {
		b := bitAt(key, i)
		if n.children[b] == nil {
			n.children[b] = &node[V]{}
		}
		n = n.children[b]
	}

	if !n.set {
		t.size++
	}
	n.value = v
	n.set = true

	return nil
}

// Lookup returns the value of the most specific prefix covering addr.
// IPv4-mapped IPv6 addresses are unmapped first; any other IPv6 address
// never matches.
func (t *Trie[V]) Lookup(addr netip.Addr) (V, bool) {
	var zero V

	addr = addr.Unmap()
	if !addr.Is4() {
		return zero, false
	}

	key := toUint32(addr)

	var (
		best  V
		found bool
	)

	n := &t.root
	for i := 0; ; i++ {
		if n.set {
			best, found = n.value, true
		}
		if i == 32 {
			break
		}
		n = n.children[bitAt(key, i)]
		if n == nil {
			break
		}
	}

	if !found {
		return zero, false
	}
	return best, true
}

// Len returns the number of distinct prefixes stored.
func (t *Trie[V]) Len() int {
	return t.size
}

func toUint32(addr netip.Addr) uint32 {
	a := addr.As4()
	return binary.BigEndian.Uint32(a[:])
}

func bitAt(key uint32, i int) int {
	return int(key>>(31-i)) & 1
}
