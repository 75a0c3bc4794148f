// Package chat is the demo message set exchanged by msgwirectl.
package chat

import (
	"fmt"
	"time"

	"github.com/danmuck/msgwire/internal/protocol/registry"
)

// Wire type names.
const (
	TypeText = "chat.text"
	TypePing = "chat.ping"
	TypePong = "chat.pong"
)

// Message is any chat message; each carries its own wire name.
type Message interface {
	registry.Named
}

type Text struct {
	From string    `json:"from"`
	Body string    `json:"body"`
	Sent time.Time `json:"sent"`
}

func (Text) WireName() string { return TypeText }

type Ping struct {
	Seq  uint64    `json:"seq"`
	Sent time.Time `json:"sent"`
}

func (Ping) WireName() string { return TypePing }

type Pong struct {
	Seq  uint64    `json:"seq"`
	Sent time.Time `json:"sent"`
	// Echoed is the Sent time of the ping being answered.
	Echoed time.Time `json:"echoed"`
}

func (Pong) WireName() string { return TypePong }

// Scope returns a resolution scope holding the chat messages.
func Scope() (*registry.Scope, error) {
	scope := registry.NewScope("chat")
	if err := Register(scope); err != nil {
		return nil, err
	}
	return scope, nil
}

func Register(scope *registry.Scope) error {
	if err := registry.Register[Text](scope, TypeText); err != nil {
		return fmt.Errorf("register %s: %w", TypeText, err)
	}
	if err := registry.Register[Ping](scope, TypePing); err != nil {
		return fmt.Errorf("register %s: %w", TypePing, err)
	}
	if err := registry.Register[Pong](scope, TypePong); err != nil {
		return fmt.Errorf("register %s: %w", TypePong, err)
	}
	return nil
}

// Reply is the server's answer to msg: texts are echoed from name, pings
// are answered with a pong. Pongs get no reply.
func Reply(name string, msg Message, now time.Time) (Message, bool) {
	switch m := msg.(type) {
	case Text:
		return Text{From: name, Body: m.Body, Sent: now}, true
	case Ping:
		return Pong{Seq: m.Seq, Sent: now, Echoed: m.Sent}, true
	default:
		return nil, false
	}
}

// Describe renders msg for terminal output.
func Describe(msg Message, now time.Time) string {
	switch m := msg.(type) {
	case Text:
		return fmt.Sprintf("[%s] %s: %s", m.Sent.Format(time.TimeOnly), m.From, m.Body)
	case Ping:
		return fmt.Sprintf("ping seq=%d", m.Seq)
	case Pong:
		rtt := now.Sub(m.Echoed)
		if m.Echoed.IsZero() {
			rtt = 0
		}
		return fmt.Sprintf("pong seq=%d rtt=%s", m.Seq, rtt.Round(time.Microsecond))
	default:
		return fmt.Sprintf("%s %+v", msg.WireName(), msg)
	}
}
