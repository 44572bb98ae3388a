package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubClient struct {
	userID string
	convID string
	sent   [][]byte
}

func (c *stubClient) UserID() string         { return c.userID }
func (c *stubClient) ConversationID() string { return c.convID }
func (c *stubClient) Close()                 {}
func (c *stubClient) Send(ctx context.Context, data []byte) error {
	c.sent = append(c.sent, data)
	return nil
}

func TestFanoutSkipsOriginatingUser(t *testing.T) {
	r := NewRegistry()
	a := &stubClient{userID: "u1", convID: "c1"}
	b := &stubClient{userID: "u2", convID: "c1"}
	other := &stubClient{userID: "u3", convID: "c2"}
	r.Register(a)
	r.Register(b)
	r.Register(other)

	r.Fanout(context.Background(), "c1", "u1", []byte("hi"))

	require.Empty(t, a.sent, "the originator does not hear its own event")
	require.Len(t, b.sent, 1)
	require.Empty(t, other.sent, "other conversations are untouched")
}

func TestSendToReachesEveryDevice(t *testing.T) {
	r := NewRegistry()
	phone := &stubClient{userID: "u1", convID: "c1"}
	laptop := &stubClient{userID: "u1", convID: "c1"}
	r.Register(phone)
	r.Register(laptop)

	r.SendTo(context.Background(), "u1", []byte("hi"))

	require.Len(t, phone.sent, 1)
	require.Len(t, laptop.sent, 1)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r := NewRegistry()
	c := &stubClient{userID: "u1", convID: "c1"}
	r.Register(c)
	require.Equal(t, 1, r.ConnectionCount())

	r.Unregister(c)
	require.Equal(t, 0, r.ConnectionCount())

	r.Fanout(context.Background(), "c1", "", []byte("hi"))
	require.Empty(t, c.sent)
}
