package publisher

import (
	"context"
	"fmt"
	"time"

	"TileServer/internal/domain"
	"TileServer/internal/platform/messaging/zeromq/message"
	"github.com/go-zeromq/zmq4"
	json "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

const StateTopic = "server_state"

// ZeroMQStatePublisher broadcasts server state transitions on a PUB socket.
type ZeroMQStatePublisher struct {
	pub     zmq4.Socket
	address string
	server  string
	log     *logrus.Logger
}

func NewZeroMQStatePublisher(host string, port int, server string, log *logrus.Logger) *ZeroMQStatePublisher {
	reconnectOpt := zmq4.WithAutomaticReconnect(true)
	retryOpt := zmq4.WithDialerRetry(time.Second * 2)
	return &ZeroMQStatePublisher{
		pub:     zmq4.NewPub(context.Background(), reconnectOpt, retryOpt),
		address: fmt.Sprintf("tcp://%s:%d", host, port),
		server:  server,
		log:     log,
	}
}

func (p *ZeroMQStatePublisher) Initialize() error {
	if err := p.pub.Listen(p.address); err != nil {
		return fmt.Errorf("state publisher listen on %s: %w", p.address, err)
	}
	p.log.WithField("address", p.address).Info("state publisher started")
	return nil
}

func (p *ZeroMQStatePublisher) PublishTransition(t domain.StateTransition) error {
	payload, err := MarshalStateEventMessage(message.StateEventMessageFrom(p.server, t))
	if err != nil {
		return err
	}
	return p.pub.Send(zmqMessage(StateTopic, payload))
}

func (p *ZeroMQStatePublisher) Close() error {
	return p.pub.Close()
}

func zmqMessage(topic string, payload []byte) zmq4.Msg {
	return zmq4.NewMsgFrom(
		[][]byte{
			[]byte(topic),
			payload,
		}...,
	)
}

func MarshalStateEventMessage(msg message.StateEventMessage) ([]byte, error) {
	return json.Marshal(msg)
}
