// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package store

import "sync"

// Remote tracks qos 2 packet identifiers allocated by the remote end, from the first
// publish until its pubrel, so that a redelivered publish is not handed on twice.
type Remote struct {
	sync.RWMutex
	internal map[uint16]struct{}
}

// NewRemote returns an empty remote identifier set.
func NewRemote() *Remote {
	return &Remote{
		internal: map[uint16]struct{}{},
	}
}

// Add records an identifier, returning false if it was already held.
func (r *Remote) Add(id uint16) bool {
	r.Lock()
	defer r.Unlock()

	if _, ok := r.internal[id]; ok {
		return false
	}

	r.internal[id] = struct{}{}
	return true
}

// Has returns true if the identifier is held.
func (r *Remote) Has(id uint16) bool {
	r.RLock()
	defer r.RUnlock()
	_, ok := r.internal[id]
	return ok
}

// Delete removes an identifier, returning true if it was held.
func (r *Remote) Delete(id uint16) bool {
	r.Lock()
	defer r.Unlock()

	_, ok := r.internal[id]
	delete(r.internal, id)
	return ok
}

// Len returns the number of held identifiers.
func (r *Remote) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.internal)
}

// Reset clears every identifier.
func (r *Remote) Reset() {
	r.Lock()
	defer r.Unlock()
	r.internal = map[uint16]struct{}{}
}
