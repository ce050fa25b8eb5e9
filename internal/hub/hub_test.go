package hub

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	h := New(log.WithField("test", true))
	go h.Run()
	return h
}

func drain(t *testing.T, s *ClientSession) []byte {
	t.Helper()
	select {
	case payload, ok := <-s.Outbound():
		if !ok {
			return nil
		}
		return payload
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestHub_BroadcastReachesSubscribers(t *testing.T) {
	h := testHub(t)
	s1 := NewClientSession(1, nil, []uint64{100})
	s2 := NewClientSession(2, nil, []uint64{100})

	h.Register(s1)
	h.Register(s2)

	h.Broadcast(100, []byte("hello"))

	require.Equal(t, []byte("hello"), drain(t, s1))
	require.Equal(t, []byte("hello"), drain(t, s2))
}

func TestHub_BroadcastSkipsUnsubscribed(t *testing.T) {
	h := testHub(t)
	subscribed := NewClientSession(1, nil, []uint64{100})
	other := NewClientSession(2, nil, nil)

	h.Register(subscribed)
	h.Register(other)

	h.Broadcast(100, []byte("hello"))
	require.Equal(t, []byte("hello"), drain(t, subscribed))

	select {
	case <-other.Outbound():
		t.Fatal("unsubscribed session should not receive broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesOutbound(t *testing.T) {
	h := testHub(t)
	s := NewClientSession(1, nil, []uint64{100})
	h.Register(s)

	h.Unregister(s)

	_, ok := <-s.Outbound()
	require.False(t, ok, "outbound channel should be closed after unregister")

	// a broadcast after unregister must not panic or deliver.
	h.Broadcast(100, []byte("late"))
}

func TestHub_SlowConsumerIsEvicted(t *testing.T) {
	h := testHub(t)
	slow := NewClientSession(1, nil, []uint64{100})
	h.Register(slow)

	// fill the outbound queue past capacity without draining it.
	for i := 0; i < outboundCapacity+2; i++ {
		h.Broadcast(100, []byte("msg"))
	}

	// give the hub worker a moment to process the eviction.
	time.Sleep(50 * time.Millisecond)

	_, ok := <-slow.Outbound()
	for ok {
		_, ok = <-slow.Outbound()
	}
}

func TestHub_MembershipEventNotifiesRemovedUserDirectly(t *testing.T) {
	h := testHub(t)
	removed := NewClientSession(5, nil, nil)
	h.Register(removed)
	// removed user has no subscription to the conversation's subs map,
	// but must still be notified directly by user id on removal.

	h.NotifyMembership(MembershipEvent{Type: EventMemberRemoved, ConversationID: 100, UserID: 5})

	payload := drain(t, removed)
	require.Contains(t, string(payload), `"action":"removed"`)
}

func TestHub_MembershipAddedAttachesLiveSessionAndDeliversSubsequentBroadcast(t *testing.T) {
	h := testHub(t)
	newMember := NewClientSession(9, nil, nil)
	h.Register(newMember)

	h.NotifyMembership(MembershipEvent{Type: EventMemberAdded, ConversationID: 200, UserID: 9})
	added := drain(t, newMember)
	require.Contains(t, string(added), `"action":"added"`)

	h.Broadcast(200, []byte("hi"))
	require.Equal(t, []byte("hi"), drain(t, newMember))
}
