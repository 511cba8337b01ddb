package matching

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrCorruptEvent = errors.New("corrupt match event")

type Action string

const (
	ActionMatch  Action = "match"
	ActionCancel Action = "cancel"
)

// Event is the queue message that triggers one pass for an order:
//
//	{"symbol":"BTCUSDT","orderId":"…","attempt":0,"action":"match","intakeTime":1717000000000}
type Event struct {
	Symbol     string `json:"symbol" validate:"required,uppercase,max=32"`
	OrderID    string `json:"orderId" validate:"required,max=64"`
	Attempt    int    `json:"attempt" validate:"gte=0"`
	Action     Action `json:"action,omitempty" validate:"omitempty,oneof=match cancel"`
	IntakeTime int64  `json:"intakeTime,omitempty"`
}

func NewEvent(symbol, orderID string, action Action, intake time.Time) Event {
	return Event{Symbol: symbol, OrderID: orderID, Action: action, IntakeTime: intake.UnixMilli()}
}

// Kind treats a missing action as a match.
func (e Event) Kind() Action {
	if e.Action == "" {
		return ActionMatch
	}
	return e.Action
}

// Key identifies the pass for idempotence; redeliveries share it.
func (e Event) Key() string {
	return e.OrderID + "/" + string(e.Kind())
}

func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s/%s", e.Kind(), e.Symbol, e.OrderID)
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt=%d", e.Attempt)
	}
	return b.String()
}
