// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

// queued is a packet waiting in the user queue, with the token resolved by its
// acknowledgment.
type queued struct {
	pk    packets.Outgoing
	token *Token
}

// session is the state of one client identifier which outlives its connections: the
// packet store, the remote qos 2 identifiers, the user queue and the pending tokens.
type session struct {
	sync.Mutex
	id     string
	store  *store.Store
	remote *store.Remote
	queue  chan *queued
	head   atomic.Pointer[queued] // a queued packet taken by a writer which failed before it was sent
	tokens map[uint16]*Token
	conn    atomic.Pointer[Conn] // the current connection, if any
	clean   bool                 // the session ends with its connection
	version byte                 // protocol version of the latest connection
}

func newSession(id string, opts *SessionOptions) *session {
	return &session{
		id:     id,
		store:  store.New(opts.StoreCapacity, opts.MaxRetries),
		remote: store.NewRemote(),
		queue:  make(chan *queued, opts.WritesPending),
		tokens: map[uint16]*Token{},
	}
}

// track registers the token waiting on a locally owned identifier.
func (s *session) track(id uint16, t *Token) {
	s.Lock()
	defer s.Unlock()
	s.tokens[id] = t
}

// untrack removes and returns the token waiting on an identifier.
func (s *session) untrack(id uint16) *Token {
	s.Lock()
	defer s.Unlock()
	t := s.tokens[id]
	delete(s.tokens, id)
	return t
}

// peek returns the token waiting on an identifier without removing it.
func (s *session) peek(id uint16) *Token {
	s.Lock()
	defer s.Unlock()
	return s.tokens[id]
}

// resolve completes and removes the token waiting on an identifier.
func (s *session) resolve(id uint16, codes []byte, err error) {
	if t := s.untrack(id); t != nil {
		t.complete(codes, err)
	}
}

// failWritten fails the tokens of subscribes and unsubscribes which were written but
// not acknowledged, and frees their identifiers. Publishes are kept for retransmission.
func (s *session) failWritten(err error) {
	s.Lock()
	var failed []*Token
	for id, t := range s.tokens {
		if t.kind == packets.Publish || !t.written.Load() {
			continue
		}

		delete(s.tokens, id)
		if s.store.Reserved(id) {
			s.store.Free(id)
		}
		failed = append(failed, t)
	}
	s.Unlock()

	for _, t := range failed {
		t.complete(nil, err)
	}
}

// discard drops a queued packet which will never be written, freeing any identifier
// reserved for it.
func (s *session) discard(q *queued, err error) {
	if q.pk.IDOwner() == packets.LocalID {
		if id := q.pk.Identifier(); id != 0 {
			if _, stored := s.store.Get(id); !stored && s.store.Reserved(id) {
				s.store.Free(id)
			}
			s.untrack(id)
		}
	}

	if q.token != nil {
		q.token.complete(nil, err)
	}
}

// drain discards every packet still waiting on the user queue.
func (s *session) drain(err error) {
	if q := s.head.Swap(nil); q != nil {
		s.discard(q, err)
	}

	for {
		select {
		case q := <-s.queue:
			s.discard(q, err)
		default:
			return
		}
	}
}

// allocate reserves a packet identifier for pk, notifying the hooks and waiting if the
// store is full.
func (s *session) allocate(ctx context.Context, pk packets.Outgoing, hooks *Hooks, info *system.Info) (uint16, error) {
	id, err := s.store.TryAllocate()
	if errors.Is(err, store.ErrStoreFull) {
		atomic.AddInt64(&info.IDExhausted, 1)
		hooks.OnPacketIDExhausted(s.conn.Load(), pk)
		id, err = s.store.Allocate(ctx)
	}

	return id, err
}

// enqueue places a packet on the user queue. When the queue is full the hooks are told,
// then either the oldest queued packet is dropped or the call waits for room.
func (s *session) enqueue(ctx context.Context, q *queued, dropOldest bool, hooks *Hooks, info *system.Info) error {
	select {
	case s.queue <- q:
		return nil
	default:
	}

	cl := s.conn.Load()
	atomic.AddInt64(&info.QueueFull, 1)
	hooks.OnQueueFull(cl, q.pk)

	if !dropOldest {
		select {
		case s.queue <- q:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case s.queue <- q:
			return nil
		default:
		}

		select {
		case old := <-s.queue:
			if pub, ok := old.pk.(*packets.PublishPacket); ok {
				atomic.AddInt64(&info.MessagesDropped, 1)
				hooks.OnPublishDropped(cl, pub, ErrQueueFull)
			}
			s.discard(old, ErrQueueFull)
		default:
		}
	}
}

// publish validates, numbers and queues a publish, returning the token resolved by its
// acknowledgment or, at qos 0, by its write.
func (s *session) publish(ctx context.Context, pk *packets.PublishPacket, v byte, opts *SessionOptions, hooks *Hooks, info *system.Info) (*Token, error) {
	if code := pk.Validate(v); code != packets.CodeSuccess {
		return nil, code
	}

	if pk.Properties.MessageExpiryInterval > 0 && pk.Created == 0 {
		pk.Created = time.Now().Unix()
	}

	t := newToken(packets.Publish)
	if pk.FixedHeader.Qos > 0 {
		id, err := s.allocate(ctx, pk, hooks, info)
		if err != nil {
			return nil, err
		}

		pk.PacketID = id
		s.track(id, t)
	}

	q := &queued{pk: pk, token: t}
	if err := s.enqueue(ctx, q, opts.DropOldest, hooks, info); err != nil {
		s.discard(q, err)
		return nil, err
	}

	return t, nil
}

// request numbers and queues a subscribe or unsubscribe.
func (s *session) request(ctx context.Context, pk packets.Outgoing, setID func(uint16), opts *SessionOptions, hooks *Hooks, info *system.Info) (*Token, error) {
	id, err := s.allocate(ctx, pk, hooks, info)
	if err != nil {
		return nil, err
	}

	setID(id)
	t := newToken(pk.PacketType())
	s.track(id, t)

	q := &queued{pk: pk, token: t}
	if err := s.enqueue(ctx, q, opts.DropOldest, hooks, info); err != nil {
		s.discard(q, err)
		return nil, err
	}

	return t, nil
}

// reset discards the stored messages and remote identifiers of a clean session, and
// fails the tokens of dropped publishes.
func (s *session) reset(hooks *Hooks, info *system.Info) []store.Message {
	dropped := s.store.Reset()
	s.remote.Reset()

	for _, m := range dropped {
		s.resolve(m.PacketID, nil, ErrSessionReset)
	}

	if len(dropped) > 0 {
		atomic.AddInt64(&info.Inflight, -int64(len(dropped)))
		hooks.OnSessionReset(s.id, dropped)
	}

	return dropped
}
