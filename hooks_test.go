// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

type modifiedHookBase struct {
	HookBase
	err    error
	fail   bool
	failAt int
}

var errTestHook = errors.New("error")

func (h *modifiedHookBase) ID() string {
	return "modified"
}

func (h *modifiedHookBase) Init(config any) error {
	if config != nil {
		return errTestHook
	}
	return nil
}

func (h *modifiedHookBase) Provides(b byte) bool {
	return true
}

func (h *modifiedHookBase) Stop() error {
	if h.fail {
		return errTestHook
	}

	return nil
}

func (h *modifiedHookBase) OnConnect(cl *Conn, pk *packets.ConnectPacket) error {
	if h.fail {
		return errTestHook
	}

	return nil
}

func (h *modifiedHookBase) OnConnectAuthenticate(cl *Conn, pk *packets.ConnectPacket) bool {
	return !h.fail
}

func (h *modifiedHookBase) OnSubscribe(cl *Conn, pk *packets.SubscribePacket, codes []byte) []byte {
	if h.fail {
		for i := range codes {
			codes[i] = packets.ErrNotAuthorized.Code
		}
	}

	return codes
}

func (h *modifiedHookBase) OnAuthPacket(cl *Conn, pk *packets.AuthPacket) (*packets.AuthPacket, error) {
	if h.fail {
		return nil, errTestHook
	}

	return &packets.AuthPacket{ReasonCode: packets.CodeSuccess.Code}, nil
}

func (h *modifiedHookBase) StoredInflightMessages(session string) (v []store.Message, err error) {
	if h.fail || h.failAt == 1 {
		return v, errTestHook
	}

	return []store.Message{
		{PacketID: 1, Qos: 1, Raw: []byte{0x32, 0x05, 0x00, 0x01, 'a', 0x00, 0x01}},
	}, nil
}

// panicHook panics on every notification.
type panicHook struct {
	HookBase
}

func (h *panicHook) ID() string {
	return "panic"
}

func (h *panicHook) Provides(b byte) bool {
	return true
}

func (h *panicHook) OnDisconnect(cl *Conn, reason DisconnectReason, err error) {
	panic("disconnect")
}

func (h *panicHook) OnPacketRead(cl *Conn, fh packets.FixedHeader) {
	panic("read")
}

// countHook counts every notification it receives.
type countHook struct {
	HookBase
	calls atomic.Int64
}

func (h *countHook) ID() string {
	return "count"
}

func (h *countHook) Provides(b byte) bool {
	return true
}

func (h *countHook) OnConnectAuthenticate(cl *Conn, pk *packets.ConnectPacket) bool {
	h.calls.Add(1)
	return true
}

func (h *countHook) OnDisconnect(cl *Conn, reason DisconnectReason, err error) {
	h.calls.Add(1)
}

func (h *countHook) OnPacketRead(cl *Conn, fh packets.FixedHeader) {
	h.calls.Add(1)
}

func (h *countHook) OnQueueFull(cl *Conn, pk packets.Outgoing) {
	h.calls.Add(1)
}

type providesCheckHook struct {
	HookBase
}

func (h *providesCheckHook) Provides(b byte) bool {
	return b == OnConnect
}

func TestHooksProvides(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(providesCheckHook), nil)
	require.NoError(t, err)

	err = h.Add(new(HookBase), nil)
	require.NoError(t, err)

	require.True(t, h.Provides(OnConnect, OnDisconnect))
	require.False(t, h.Provides(OnDisconnect))
}

func TestHooksAddLenGetAll(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	require.Equal(t, int64(2), atomic.LoadInt64(&h.qty))
	require.Equal(t, int64(2), h.Len())

	all := h.GetAll()
	require.Equal(t, "base", all[0].ID())
	require.Equal(t, "modified", all[1].ID())
}

func TestHooksAddInitFailure(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(modifiedHookBase), map[string]any{})
	require.Error(t, err)
	require.ErrorIs(t, err, errTestHook)
	require.Equal(t, int64(0), atomic.LoadInt64(&h.qty))
}

func TestHooksStop(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(new(HookBase), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), atomic.LoadInt64(&h.qty))
	require.Equal(t, int64(1), h.Len())

	h.Stop()
}

func TestHooksStopFailure(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)
	h.Stop()
}

func TestHooksNonReturns(t *testing.T) {
	h := new(Hooks)
	cl := new(Conn)

	for i := 0; i < 2; i++ {
		t.Run("step-"+string(rune('0'+i)), func(t *testing.T) {
			// on first iteration, check without hook methods
			h.OnStarted()
			h.OnStopped()
			h.OnSysInfoTick(new(system.Info))
			h.OnSessionEstablished(cl, new(packets.ConnectPacket))
			h.OnDisconnect(cl, ReasonRemoteDisconnected, nil)
			h.OnPacketRead(cl, packets.FixedHeader{})
			h.OnPacketSent(cl, new(packets.PingreqPacket), 2)
			h.OnPublishDropped(cl, new(packets.PublishPacket), ErrQueueFull)
			h.OnQosPublish(cl, store.Message{})
			h.OnQosComplete(cl, store.Message{})
			h.OnQosDropped(cl, store.Message{})
			h.OnSessionReset("a", nil)
			h.OnPacketIDExhausted(cl, new(packets.PublishPacket))
			h.OnQueueFull(cl, new(packets.PublishPacket))
			h.OnUnparsedExtraBytes(cl, packets.FixedHeader{}, 1)
			h.OnReconnectAttempt(nil, 1, nil)
			h.OnReconnectGiveUp(nil, nil)

			// on second iteration, check added hook methods
			err := h.Add(new(modifiedHookBase), nil)
			require.NoError(t, err)
		})
	}
}

func TestHooksOnConnectAuthenticate(t *testing.T) {
	h := new(Hooks)
	require.False(t, h.OnConnectAuthenticate(new(Conn), new(packets.ConnectPacket)))

	err := h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)
	require.True(t, h.OnConnectAuthenticate(new(Conn), new(packets.ConnectPacket)))

	err = h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)
	require.False(t, h.OnConnectAuthenticate(new(Conn), new(packets.ConnectPacket)))
}

func TestHooksOnConnectAuthenticateStopsAtRefusal(t *testing.T) {
	h := new(Hooks)
	err := h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)

	ch := new(countHook)
	err = h.Add(ch, nil)
	require.NoError(t, err)

	require.False(t, h.OnConnectAuthenticate(new(Conn), new(packets.ConnectPacket)))
	require.Equal(t, int64(0), ch.calls.Load())
}

func TestHooksOnConnect(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	err = h.OnConnect(new(Conn), new(packets.ConnectPacket))
	require.NoError(t, err)

	err = h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)

	err = h.OnConnect(new(Conn), new(packets.ConnectPacket))
	require.ErrorIs(t, err, errTestHook)
}

// aclHook refuses writes to the topic deny.
type aclHook struct {
	HookBase
}

func (h *aclHook) ID() string {
	return "acl"
}

func (h *aclHook) Provides(b byte) bool {
	return b == OnACLCheck
}

func (h *aclHook) OnACLCheck(cl *Conn, topic string, write bool) bool {
	return !write || topic != "deny"
}

func TestHooksOnSubscribe(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	pk := &packets.SubscribePacket{Filters: []packets.Subscription{{Filter: "a/b", Qos: 1}}}
	codes := h.OnSubscribe(new(Conn), pk, []byte{1})
	require.Equal(t, []byte{1}, codes)

	err = h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)
	codes = h.OnSubscribe(new(Conn), pk, []byte{1})
	require.Equal(t, []byte{packets.ErrNotAuthorized.Code}, codes)
}

func TestHooksOnACLCheck(t *testing.T) {
	h := new(Hooks)
	require.True(t, h.OnACLCheck(new(Conn), "a/b", true))

	err := h.Add(new(aclHook), nil)
	require.NoError(t, err)
	require.True(t, h.OnACLCheck(new(Conn), "a/b", true))
	require.False(t, h.OnACLCheck(new(Conn), "deny", true))
	require.True(t, h.OnACLCheck(new(Conn), "deny", false))
}

func TestHooksOnUnsubscribe(t *testing.T) {
	h := new(Hooks)
	err := h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	codes := h.OnUnsubscribe(new(Conn), &packets.UnsubscribePacket{Filters: []string{"a"}}, []byte{0})
	require.Equal(t, []byte{0}, codes)
}

func TestHooksOnAuthPacket(t *testing.T) {
	h := new(Hooks)
	reply, err := h.OnAuthPacket(new(Conn), new(packets.AuthPacket))
	require.NoError(t, err)
	require.Nil(t, reply)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	reply, err = h.OnAuthPacket(new(Conn), new(packets.AuthPacket))
	require.NoError(t, err)
	require.NotNil(t, reply)
}

func TestHooksOnAuthPacketError(t *testing.T) {
	h := new(Hooks)
	err := h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)

	reply, err := h.OnAuthPacket(new(Conn), new(packets.AuthPacket))
	require.ErrorIs(t, err, errTestHook)
	require.Nil(t, reply)
}

func TestHooksPanicRecovered(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(new(panicHook), nil)
	require.NoError(t, err)

	ch := new(countHook)
	err = h.Add(ch, nil)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		h.OnDisconnect(new(Conn), ReasonRemoteDisconnected, nil)
		h.OnPacketRead(new(Conn), packets.FixedHeader{})
	})

	// a panicking hook does not stop the hooks added after it
	require.Equal(t, int64(2), ch.calls.Load())
}

// blockingHook holds each notification until released.
type blockingHook struct {
	HookBase
	id      string
	entered *sync.WaitGroup
	release chan struct{}
}

func (h *blockingHook) ID() string {
	return h.id
}

func (h *blockingHook) Provides(b byte) bool {
	return b == OnQueueFull
}

func (h *blockingHook) OnQueueFull(cl *Conn, pk packets.Outgoing) {
	h.entered.Done()
	<-h.release
}

func TestHooksNotifyConcurrently(t *testing.T) {
	h := new(Hooks)
	entered := new(sync.WaitGroup)
	entered.Add(2)
	release := make(chan struct{})

	err := h.Add(&blockingHook{id: "a", entered: entered, release: release}, nil)
	require.NoError(t, err)
	err = h.Add(&blockingHook{id: "b", entered: entered, release: release}, nil)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.OnQueueFull(new(Conn), new(packets.PublishPacket))
		close(done)
	}()

	// both hooks are inside the notification at the same time
	waited := make(chan struct{})
	go func() {
		entered.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("hooks were not notified concurrently")
	}

	select {
	case <-done:
		t.Fatal("notification returned before the hooks did")
	default:
	}

	close(release)
	<-done
}

func TestHooksStoredInflightMessages(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	v, err := h.StoredInflightMessages("a")
	require.NoError(t, err)
	require.Empty(t, v)

	err = h.Add(new(modifiedHookBase), nil)
	require.NoError(t, err)

	v, err = h.StoredInflightMessages("a")
	require.NoError(t, err)
	require.Len(t, v, 1)
	require.Equal(t, uint16(1), v[0].PacketID)
}

func TestHooksStoredInflightMessagesFailure(t *testing.T) {
	h := new(Hooks)
	h.Log = logger

	err := h.Add(&modifiedHookBase{fail: true}, nil)
	require.NoError(t, err)

	v, err := h.StoredInflightMessages("a")
	require.Error(t, err)
	require.Empty(t, v)
}

func TestHookBaseID(t *testing.T) {
	h := new(HookBase)
	require.Equal(t, "base", h.ID())
}

func TestHookBaseProvidesNone(t *testing.T) {
	h := new(HookBase)
	require.False(t, h.Provides(OnConnect))
	require.False(t, h.Provides(OnDisconnect))
}

func TestHookBaseInit(t *testing.T) {
	h := new(HookBase)
	require.Nil(t, h.Init(nil))
}

func TestHookBaseSetOpts(t *testing.T) {
	h := new(HookBase)
	h.SetOpts(logger, new(HookOptions))
	require.NotNil(t, h.Log)
	require.NotNil(t, h.Opts)
}

func TestHookBaseClose(t *testing.T) {
	h := new(HookBase)
	require.Nil(t, h.Stop())
}

func TestHookBaseOnConnectAuthenticate(t *testing.T) {
	h := new(HookBase)
	require.False(t, h.OnConnectAuthenticate(new(Conn), new(packets.ConnectPacket)))
}

func TestHookBaseOnConnect(t *testing.T) {
	h := new(HookBase)
	require.NoError(t, h.OnConnect(new(Conn), new(packets.ConnectPacket)))
}

func TestHookBaseOnSubscribe(t *testing.T) {
	h := new(HookBase)
	require.Equal(t, []byte{2}, h.OnSubscribe(new(Conn), new(packets.SubscribePacket), []byte{2}))
}

func TestHookBaseOnAuthPacket(t *testing.T) {
	h := new(HookBase)
	reply, err := h.OnAuthPacket(new(Conn), new(packets.AuthPacket))
	require.NoError(t, err)
	require.Nil(t, reply)
}

func TestHookBaseStoredInflightMessages(t *testing.T) {
	h := new(HookBase)
	v, err := h.StoredInflightMessages("a")
	require.NoError(t, err)
	require.Empty(t, v)
}
