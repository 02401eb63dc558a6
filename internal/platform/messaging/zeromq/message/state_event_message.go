package message

import (
	"time"

	"TileServer/internal/domain"
)

type StateEventMessage struct {
	Server string             `json:"server"`
	From   domain.ServerState `json:"from"`
	To     domain.ServerState `json:"to"`
	At     int64              `json:"at"`
	Topic  string             `json:"-"`
}

func StateEventMessageFrom(server string, t domain.StateTransition) StateEventMessage {
	return StateEventMessage{
		Server: server,
		From:   t.From,
		To:     t.To,
		At:     t.At.UnixNano(),
	}
}

func (m *StateEventMessage) ToTransition() domain.StateTransition {
	return domain.StateTransition{
		From: m.From,
		To:   m.To,
		At:   time.Unix(0, m.At),
	}
}
