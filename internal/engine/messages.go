package engine

import (
	"github.com/rxtech-lab/argo-harvester/internal/reconcile"
	"github.com/rxtech-lab/argo-harvester/internal/types"
	"github.com/shopspring/decimal"
)

// message is anything the actor consumes from its inbox.
type message interface {
	isMessage()
}

type tickMsg struct {
	tick types.PriceTick
}

type fillMsg struct {
	fill types.Fill
}

type placeResultMsg struct {
	op       *op
	orderID  string
	attempts int
	err      error
}

type cancelResultMsg struct {
	op       *op
	attempts int
	err      error
}

type bootstrapMsg struct {
	price decimal.Decimal
	reply chan reconcileReply
}

type reconcileMsg struct {
	reply chan reconcileReply
}

type reconcileReply struct {
	report reconcile.Report
	err    error
}

type snapshotMsg struct {
	reply chan Snapshot
}

type idleMsg struct {
	reply chan struct{}
}

func (tickMsg) isMessage()         {}
func (fillMsg) isMessage()         {}
func (placeResultMsg) isMessage()  {}
func (cancelResultMsg) isMessage() {}
func (bootstrapMsg) isMessage()    {}
func (reconcileMsg) isMessage()    {}
func (snapshotMsg) isMessage()     {}
func (idleMsg) isMessage()         {}
