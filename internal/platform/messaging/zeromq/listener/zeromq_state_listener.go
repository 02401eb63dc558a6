package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TileServer/internal/platform/messaging/zeromq/message"
	"github.com/go-zeromq/zmq4"
	json "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

const StateTopic = "server_state"

// ZeromqStateListener follows the state events of one index server.
type ZeromqStateListener struct {
	ctx     context.Context
	sub     zmq4.Socket
	address string
	log     *logrus.Logger
}

func NewZeromqStateListener(ctx context.Context, host string, port int, log *logrus.Logger) *ZeromqStateListener {
	reconnectOpt := zmq4.WithAutomaticReconnect(true)
	retryOpt := zmq4.WithDialerRetry(time.Second * 2)
	sub := zmq4.NewSub(ctx, reconnectOpt, retryOpt)
	_ = sub.SetOption(zmq4.OptionSubscribe, StateTopic)
	return &ZeromqStateListener{
		ctx:     ctx,
		sub:     sub,
		address: fmt.Sprintf("tcp://%s:%d", host, port),
		log:     log,
	}
}

// Listen delivers events to handle until the context ends or the socket is
// closed.
func (z *ZeromqStateListener) Listen(handle func(message.StateEventMessage)) error {
	if err := z.sub.Dial(z.address); err != nil {
		return fmt.Errorf("state listener dial %s: %w", z.address, err)
	}
	z.log.WithField("address", z.address).Debug("state listener started")
	msgCh := make(chan message.StateEventMessage, 64)

	go func() {
		defer close(msgCh)
		for {
			msg, err := z.sub.Recv()
			if err != nil {
				if errors.Is(err, zmq4.ErrClosedConn) || z.ctx.Err() != nil {
					return
				}
				z.log.WithError(err).Warn("error receiving state event")
				continue
			}
			if len(msg.Frames) < 2 {
				continue
			}
			m, err := unmarshalStateEventMessage(msg.Frames[1])
			if err != nil {
				z.log.WithError(err).Warn("dropping state event")
				continue
			}
			m.Topic = string(msg.Frames[0])
			msgCh <- m
		}
	}()

	for m := range msgCh {
		if m.Topic == StateTopic {
			handle(m)
		}
	}
	return nil
}

func (z *ZeromqStateListener) Close() error {
	return z.sub.Close()
}

func unmarshalStateEventMessage(data []byte) (message.StateEventMessage, error) {
	var msg message.StateEventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return message.StateEventMessage{}, fmt.Errorf("error unmarshalling state event: %w", err)
	}
	return msg, nil
}
