// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package store retains unacknowledged outgoing messages and owns the pool of locally
// allocated packet identifiers.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

// MaxCapacity is the number of usable packet identifiers.
const MaxCapacity = 65535

var (
	// ErrStoreFull indicates every packet identifier is in use.
	ErrStoreFull = errors.New("packet store full")

	// ErrPoisonous indicates a message exhausted its retransmissions without being acknowledged.
	ErrPoisonous = errors.New("message exceeded retry limit")
)

// State is the delivery state of a stored message.
type State byte

const (
	StatePublished State = iota // publish written, awaiting puback or pubrec
	StateReleased               // pubrel written, awaiting pubcomp
)

// Message is a serialized outgoing frame retained until its terminal acknowledgment.
type Message struct {
	Raw      []byte `json:"raw"`      // the frame as last written
	Sent     int64  `json:"sent"`     // unix nanoseconds of the last write
	Seq      uint64 `json:"seq"`      // send order
	Resends  int    `json:"resends"`  // retransmissions so far
	PacketID uint16 `json:"packetId"`
	Qos      byte   `json:"qos"`
	State    State  `json:"state"`
}

// Dup returns true if the stored frame is a publish with the dup flag set.
func (m Message) Dup() bool {
	return len(m.Raw) > 0 && m.Raw[0]>>4 == packets.Publish && m.Raw[0]&0x08 > 0
}

// Store holds the packet identifiers reserved by one session and the messages stored
// against them. An identifier is reserved by Allocate, filled by Put once the frame is
// written, and returned by an acknowledgment or Free.
type Store struct {
	sync.Mutex
	sem        *semaphore.Weighted
	internal   map[uint16]*Message // reserved ids; nil until a message is put
	capacity   int64
	maxRetries int
	next       uint16
	seq        uint64
}

// New returns a store which allows capacity concurrent identifiers, and drops messages
// after maxRetries retransmissions. A maxRetries of 0 or less retries forever.
func New(capacity int, maxRetries int) *Store {
	if capacity <= 0 || capacity > MaxCapacity {
		capacity = MaxCapacity
	}

	return &Store{
		sem:        semaphore.NewWeighted(int64(capacity)),
		internal:   map[uint16]*Message{},
		capacity:   int64(capacity),
		maxRetries: maxRetries,
	}
}

// Capacity returns the maximum number of concurrently reserved identifiers.
func (s *Store) Capacity() int {
	return int(s.capacity)
}

// Allocate reserves a packet identifier, waiting for one to be freed if the store is full.
func (s *Store) Allocate(ctx context.Context) (uint16, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	return s.reserve(), nil
}

// TryAllocate reserves a packet identifier, or returns ErrStoreFull without waiting.
func (s *Store) TryAllocate() (uint16, error) {
	if !s.sem.TryAcquire(1) {
		return 0, ErrStoreFull
	}

	return s.reserve(), nil
}

// reserve takes the next free identifier after the last one issued. The semaphore
// guarantees one is free.
func (s *Store) reserve() uint16 {
	s.Lock()
	defer s.Unlock()

	for i := 0; i < MaxCapacity; i++ {
		s.next++
		if s.next == 0 {
			s.next = 1
		}

		if _, used := s.internal[s.next]; !used {
			s.internal[s.next] = nil
			return s.next
		}
	}

	panic("store: semaphore admitted an allocation with no free identifier")
}

// Put stores the written frame for a reserved identifier. Storing against an identifier
// which is not reserved, or which already holds a message, panics.
func (s *Store) Put(id uint16, raw []byte, qos byte) {
	s.Lock()
	defer s.Unlock()

	m, ok := s.internal[id]
	if !ok {
		panic(fmt.Sprintf("store: put on unreserved packet id %d", id))
	}

	if m != nil {
		panic(fmt.Sprintf("store: duplicate put on packet id %d", id))
	}

	s.seq++
	s.internal[id] = &Message{
		Raw:      raw,
		Sent:     time.Now().UnixNano(),
		Seq:      s.seq,
		PacketID: id,
		Qos:      qos,
	}
}

// Get returns the message stored against an identifier.
func (s *Store) Get(id uint16) (Message, bool) {
	s.Lock()
	defer s.Unlock()

	if m := s.internal[id]; m != nil {
		return *m, true
	}

	return Message{}, false
}

// Reserved returns true if the identifier is held, with or without a message.
func (s *Store) Reserved(id uint16) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.internal[id]
	return ok
}

// Ack applies an acknowledgment of the given packet type. A puback completes a qos 1
// message and a pubcomp completes a released qos 2 message; both are removed and their
// identifier freed. A pubrec leaves the message in place for Release. An ack which
// does not match the state of the stored message is a protocol violation.
func (s *Store) Ack(id uint16, kind byte) (Message, error) {
	s.Lock()
	defer s.Unlock()

	m := s.internal[id]
	if m == nil {
		return Message{}, packets.ErrPacketIdentifierNotFound
	}

	switch {
	case kind == packets.Puback && m.Qos == 1:
	case kind == packets.Pubrec && m.Qos == 2:
		return *m, nil // a duplicate pubrec after release is answered with the pubrel again
	case kind == packets.Pubcomp && m.Qos == 2 && m.State == StateReleased:
	default:
		return *m, packets.ErrProtocolViolationAckMismatch
	}

	delete(s.internal, id)
	s.sem.Release(1)
	return *m, nil
}

// Release moves a qos 2 message to the released state, replacing its stored frame with
// the pubrel which is retransmitted until a pubcomp arrives.
func (s *Store) Release(id uint16, raw []byte) error {
	s.Lock()
	defer s.Unlock()

	m := s.internal[id]
	if m == nil {
		return packets.ErrPacketIdentifierNotFound
	}

	if m.Qos != 2 {
		return packets.ErrProtocolViolationAckMismatch
	}

	if m.State != StateReleased {
		m.Resends = 0
	}

	m.Raw = raw
	m.State = StateReleased
	m.Sent = time.Now().UnixNano()
	return nil
}

// Free returns an identifier to the pool, discarding any stored message. Freeing an
// identifier which is not reserved panics.
func (s *Store) Free(id uint16) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.internal[id]; !ok {
		panic(fmt.Sprintf("store: free of unreserved packet id %d", id))
	}

	delete(s.internal, id)
	s.sem.Release(1)
}

// MarkForRetransmit prepares a stored message to be written again. Publishes get the dup
// flag set, and the resend count is incremented. If the message has already been resent
// maxRetries times it is removed, its identifier freed, and ErrPoisonous is returned
// along with the message.
func (s *Store) MarkForRetransmit(id uint16) (Message, error) {
	s.Lock()
	defer s.Unlock()

	m := s.internal[id]
	if m == nil {
		return Message{}, packets.ErrPacketIdentifierNotFound
	}

	if s.maxRetries > 0 && m.Resends >= s.maxRetries {
		delete(s.internal, id)
		s.sem.Release(1)
		return *m, ErrPoisonous
	}

	if m.State == StatePublished && !m.Dup() {
		raw := make([]byte, len(m.Raw))
		copy(raw, m.Raw) // the previous slice may still be in a writer
		raw[0] |= 0x08   // [MQTT-3.3.1-1]
		m.Raw = raw
	}

	m.Resends++
	m.Sent = time.Now().UnixNano()
	return *m, nil
}

// Due returns the identifiers of stored messages last written at least timeout ago,
// in send order.
func (s *Store) Due(now time.Time, timeout time.Duration) []uint16 {
	s.Lock()
	defer s.Unlock()

	cutoff := now.Add(-timeout).UnixNano()
	due := make([]*Message, 0, len(s.internal))
	for _, m := range s.internal {
		if m != nil && m.Sent <= cutoff {
			due = append(due, m)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].Seq < due[j].Seq
	})

	ids := make([]uint16, len(due))
	for i, m := range due {
		ids[i] = m.PacketID
	}

	return ids
}

// Pending returns every stored message in send order.
func (s *Store) Pending() []Message {
	s.Lock()
	defer s.Unlock()

	m := make([]Message, 0, len(s.internal))
	for _, v := range s.internal {
		if v != nil {
			m = append(m, *v)
		}
	}

	sort.Slice(m, func(i, j int) bool {
		return m[i].Seq < m[j].Seq
	})

	return m
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.Lock()
	defer s.Unlock()

	var n int
	for _, m := range s.internal {
		if m != nil {
			n++
		}
	}

	return n
}

// Restore loads previously persisted messages into the store, such as those held by a
// storage hook across a restart. Messages for identifiers already in use are skipped.
func (s *Store) Restore(msgs []Message) error {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].Seq < msgs[j].Seq
	})

	s.Lock()
	defer s.Unlock()

	for _, msg := range msgs {
		if msg.PacketID == 0 {
			continue
		}

		if _, used := s.internal[msg.PacketID]; used {
			continue
		}

		if !s.sem.TryAcquire(1) {
			return ErrStoreFull
		}

		m := msg
		s.seq++
		m.Seq = s.seq
		s.internal[m.PacketID] = &m
		if m.PacketID > s.next {
			s.next = m.PacketID
		}
	}

	return nil
}

// Reset drops every stored message and frees its identifier. Identifiers reserved for
// frames which have not been written yet are kept.
func (s *Store) Reset() []Message {
	s.Lock()
	defer s.Unlock()

	var dropped []Message
	for id, m := range s.internal {
		if m == nil {
			continue
		}

		dropped = append(dropped, *m)
		delete(s.internal, id)
	}

	if len(dropped) > 0 {
		s.sem.Release(int64(len(dropped)))
	}

	sort.Slice(dropped, func(i, j int) bool {
		return dropped[i].Seq < dropped[j].Seq
	})

	return dropped
}

// RetryLoop retransmits messages which have not been acknowledged within timeout,
// checking every interval until the context is cancelled. Messages which exhaust their
// retries are passed to drop. An error from resend stops the loop.
func (s *Store) RetryLoop(ctx context.Context, interval, timeout time.Duration, resend func(Message) error, drop func(Message)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, id := range s.Due(now, timeout) {
				m, err := s.MarkForRetransmit(id)
				if errors.Is(err, ErrPoisonous) {
					drop(m)
					continue
				}

				if err != nil {
					continue // acknowledged since Due
				}

				if err := resend(m); err != nil {
					return err
				}
			}
		}
	}
}
