package listener

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/platform/messaging/zeromq/message"
	"TileServer/internal/platform/messaging/zeromq/publisher"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestStateEvents_FlowFromPublisherToListener(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	port := freePort(t)

	pub := publisher.NewZeroMQStatePublisher("127.0.0.1", port, "127.0.0.1:65000", log)
	require.NoError(t, pub.Initialize())
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := NewZeromqStateListener(ctx, "127.0.0.1", port, log)
	received := make(chan message.StateEventMessage, 16)
	done := make(chan error, 1)
	go func() {
		done <- sub.Listen(func(m message.StateEventMessage) {
			select {
			case received <- m:
			default:
			}
		})
	}()

	at := time.Unix(1700000000, 42)
	transition := domain.StateTransition{From: domain.StateReady, To: domain.StateServing, At: at}

	// Subscribers join asynchronously, so publish until one event lands.
	var got message.StateEventMessage
	deadline := time.After(5 * time.Second)
loop:
	for {
		require.NoError(t, pub.PublishTransition(transition))
		select {
		case got = <-received:
			break loop
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no state event received")
		}
	}

	assert.Equal(t, "127.0.0.1:65000", got.Server)
	assert.Equal(t, StateTopic, got.Topic)
	assert.Equal(t, transition.From, got.ToTransition().From)
	assert.Equal(t, transition.To, got.ToTransition().To)
	assert.True(t, at.Equal(got.ToTransition().At))

	cancel()
	_ = sub.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not return")
	}
}

func TestUnmarshalStateEvent_RejectsGarbage(t *testing.T) {
	_, err := unmarshalStateEventMessage([]byte(`{"to":"sleeping"}`))
	assert.Error(t, err)

	m, err := unmarshalStateEventMessage([]byte(`{"server":"s","from":"ready","to":"stopping","at":5}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StateStopping, m.To)
}
