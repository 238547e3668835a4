package fakerelay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collabdoc/docsync/pkg/connection"
	"github.com/collabdoc/docsync/pkg/connection/gorillaws"
	"github.com/collabdoc/docsync/pkg/message"
	"github.com/collabdoc/docsync/pkg/models"
)

func TestServer(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	require.NoError(t, server.Start())
	assert.NotEmpty(t, server.Address())
	assert.Equal(t, "ws://"+server.Address(), server.URL())
	require.NoError(t, server.Stop())
}

func dial(t *testing.T, server *Server, id int64, onMessage func([]byte)) connection.WebSocketConnection {
	t.Helper()
	url, err := connection.DocumentURL(server.URL(), models.DocumentID(id), "t")
	require.NoError(t, err)

	conn := gorillaws.New(&connection.Config{URL: url, OnMessage: onMessage})
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close(context.Background()) })
	return conn
}

func TestDisconnectIsAnnounced(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	require.NoError(t, server.Start())
	defer server.Stop()

	got := make(chan message.Message, 4)
	dial(t, server, 5, func(data []byte) {
		msg, err := message.Decode(data)
		if err == nil {
			got <- msg
		}
	})
	leaver := dial(t, server, 5, nil)

	assert.Eventually(t, func() bool { return server.Peers("/ws/documents/5/") == 2 }, 2*time.Second, 10*time.Millisecond)

	frame, err := message.Encode(&message.CursorConnect{CursorID: "s2", UserID: "9"})
	require.NoError(t, err)
	require.NoError(t, leaver.Send(context.Background(), frame))

	msg := <-got
	assert.Equal(t, message.KindCursorConnect, msg.Kind())

	require.NoError(t, leaver.Close(context.Background()))

	select {
	case msg := <-got:
		d, ok := msg.(*message.CursorDisconnected)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, "s2", d.CursorID)
		assert.Equal(t, message.UserID("9"), d.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no cursor_disconnected")
	}

	assert.Len(t, server.Received(), 1)
}

func TestRoomsAreIsolated(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	require.NoError(t, server.Start())
	defer server.Stop()

	got := make(chan []byte, 1)
	dial(t, server, 1, func(data []byte) { got <- data })
	other := dial(t, server, 2, nil)

	require.NoError(t, other.Send(context.Background(), []byte(`{"type":"cursor_active","cursor_id":"x"}`)))

	select {
	case data := <-got:
		t.Fatalf("frame leaked across documents: %s", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFailureInjection(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	require.NoError(t, server.Start())
	defer server.Stop()

	server.SetFailures([]FailureConfig{{Type: FailureWebSocketClose, Probability: 1, CloseCode: 1011}})

	conn := dial(t, server, 1, nil)
	require.NoError(t, conn.Send(context.Background(), []byte(`{"type":"cursor_active","cursor_id":"x"}`)))

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("close was not injected")
	}
	assert.Contains(t, conn.Err().Error(), "1011")
	assert.Empty(t, server.Received())
}

func TestRejectHandshakes(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	require.NoError(t, server.Start())
	defer server.Stop()

	server.RejectHandshakes(true)
	url, err := connection.DocumentURL(server.URL(), 1, "t")
	require.NoError(t, err)
	conn := gorillaws.New(&connection.Config{URL: url})
	assert.Error(t, conn.Connect(context.Background()))

	server.RejectHandshakes(false)
	conn = gorillaws.New(&connection.Config{URL: url})
	require.NoError(t, conn.Connect(context.Background()))
	require.NoError(t, conn.Close(context.Background()))
	assert.Equal(t, 2, server.Handshakes())
}

func TestSwallowedFrameIsNotRelayed(t *testing.T) {
	server := NewServer("127.0.0.1:0")
	require.NoError(t, server.Start())
	defer server.Stop()

	server.SetFailures([]FailureConfig{{Type: FailureSwallow, Probability: 1}})

	got := make(chan []byte, 1)
	dial(t, server, 4, func(data []byte) { got <- data })
	sender := dial(t, server, 4, nil)
	assert.Eventually(t, func() bool { return server.Peers("/ws/documents/4/") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.Send(context.Background(), []byte(`{"type":"cursor_active","cursor_id":"x"}`)))

	select {
	case data := <-got:
		t.Fatalf("swallowed frame was relayed: %s", data)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, server.Received())
}

func TestFailureOdds(t *testing.T) {
	assert.False(t, triggered(0))
	assert.True(t, triggered(1))

	assert.Equal(t, 5*time.Millisecond, between(5*time.Millisecond, 5*time.Millisecond))
	for i := 0; i < 50; i++ {
		d := between(time.Millisecond, 3*time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Millisecond)
		assert.Less(t, d, 3*time.Millisecond)
	}
}
