package stage

import (
	"errors"

	tele "gopkg.in/telebot.v4"
)

var (
	// ErrNoStepsDefined is returned by Start when no steps were registered.
	ErrNoStepsDefined = errors.New("stage: no steps defined")
	// ErrUnknownStep is returned when a transition names an unregistered step.
	ErrUnknownStep = errors.New("stage: unknown step")
	// ErrAlreadyActive is returned by Start on an engine that is already running.
	ErrAlreadyActive = errors.New("stage: already active")
	// ErrNoSource is returned by New when no update source is provided.
	ErrNoSource = errors.New("stage: no update source")
)

// Handler runs the logic of a single conversation step. It receives the
// owning engine and may transition, await the next update, or mutate the
// stage context before returning.
type Handler func(e *Engine) error

// Subscription identifies a single subscription on a Source.
type Subscription int64

// Source delivers inbound updates to subscribers in arrival order.
// A nil filter subscribes to every update.
type Source interface {
	Subscribe(filter func(tele.Update) bool, fn func(tele.Update)) Subscription
	Unsubscribe(sub Subscription)
}

// Identity exposes the bot's own user id so engines never react to
// their own output.
type Identity interface {
	SelfID() int64
}

type staticIdentity int64

func (s staticIdentity) SelfID() int64 { return int64(s) }

// StaticIdentity wraps a known bot id into an Identity.
func StaticIdentity(id int64) Identity { return staticIdentity(id) }
