package stage

import (
	"context"
	"sync"

	"log/slog"

	"github.com/google/uuid"
	"github.com/rwxkit/stagebot/core/logger"
	tele "gopkg.in/telebot.v4"
)

// Options configure a new Engine. Source is required; everything else
// is optional. Zero ChatID/UserID mean the engine accepts updates from
// any chat/user.
type Options struct {
	// Source is the update stream the engine subscribes to on Start.
	Source Source
	// Self identifies the bot itself; self-originated updates are
	// always ignored. A nil Self disables the check.
	Self Identity
	// ChatID restricts the conversation to one chat.
	ChatID int64
	// UserID restricts the conversation to one user.
	UserID int64
	// Context is an opaque caller-owned payload carried across steps
	// and handed to exit hooks.
	Context any
	// History records accepted updates when true.
	History bool
}

// Engine drives one scoped conversation through its registered steps.
// All state transitions are serialized per instance; independent
// engines share nothing mutable.
type Engine struct {
	id    string
	src   Source
	self  Identity
	scope scope

	mu         sync.Mutex
	steps      *stepTable
	history    historyLog
	context    any
	active     bool
	firstRun   bool
	current    string
	awaiter    func(tele.Update)
	sub        Subscription
	startHooks []func()
	exitHooks  []func(context any)
}

// New constructs an inactive engine bound to an update source and scope.
func New(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, ErrNoSource
	}
	return &Engine{
		id:      uuid.NewString(),
		src:     opts.Source,
		self:    opts.Self,
		scope:   scope{chatID: opts.ChatID, userID: opts.UserID},
		steps:   newStepTable(),
		history: historyLog{enabled: opts.History},
		context: opts.Context,
	}, nil
}

// ID returns the unique identifier of this engine instance.
func (e *Engine) ID() string { return e.id }

// On registers a named step. Re-registering a name overwrites its
// handler.
func (e *Engine) On(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps.register(name, h, false)
}

// OnInitial registers a named step and designates it as the entry
// point. The last step registered this way wins; redefining the entry
// point logs a warning.
func (e *Engine) OnInitial(name string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.steps.register(name, h, true)
}

// OnStart appends a hook invoked when the engine activates, in
// registration order.
func (e *Engine) OnStart(hook func()) {
	if hook == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startHooks = append(e.startHooks, hook)
}

// OnExit appends a hook invoked when the engine deactivates, in
// registration order. Hooks receive the stage context.
func (e *Engine) OnExit(hook func(context any)) {
	if hook == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exitHooks = append(e.exitHooks, hook)
}

// Start activates the engine: it subscribes to the update source, fires
// start hooks, and enters the initial step if one is designated. The
// first update observed after Start is swallowed, since it predates the
// conversation. Start fails with ErrNoStepsDefined when no steps are
// registered and with ErrAlreadyActive on a running engine; restarting
// after Exit re-arms the first-update handling.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.active {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	if e.steps.empty() {
		e.mu.Unlock()
		return ErrNoStepsDefined
	}
	e.active = true
	e.firstRun = true
	hooks := append([]func(){}, e.startHooks...)
	initial := e.steps.initial
	steps := len(e.steps.names)
	e.mu.Unlock()

	sub := e.src.Subscribe(nil, e.handleUpdate)
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()

	logger.Info(e.logCtx(""), "stage", "stage.start",
		slog.String("status", "ok"),
		slog.Int("count", steps),
	)

	for _, hook := range hooks {
		hook()
	}
	if initial != "" {
		return e.Transition(initial)
	}
	return nil
}

// Exit deactivates the engine: it clears any pending awaiter,
// unsubscribes from the source, and fires exit hooks with the stage
// context. Exiting an inactive engine is a no-op.
func (e *Engine) Exit() {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	e.active = false
	e.awaiter = nil
	sub := e.sub
	e.sub = 0
	hooks := append([]func(any){}, e.exitHooks...)
	payload := e.context
	current := e.current
	e.mu.Unlock()

	if sub != 0 {
		e.src.Unsubscribe(sub)
	}

	logger.Info(e.logCtx(current), "stage", "stage.exit",
		slog.String("status", "ok"),
	)

	for _, hook := range hooks {
		hook(payload)
	}
}

// Transition moves the conversation to the named step, clears any
// pending awaiter, and synchronously invokes the step handler. The
// handler's error is returned unchanged.
func (e *Engine) Transition(name string) error {
	e.mu.Lock()
	h, err := e.steps.get(name)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	prev := e.current
	e.current = name
	e.awaiter = nil
	e.mu.Unlock()

	attrs := []slog.Attr{slog.String("status", "ok")}
	if prev != "" {
		attrs = append(attrs, slog.String("from_step", prev))
	}
	logger.Debug(e.logCtx(name), "stage", "stage.transition", attrs...)

	return h(e)
}

// AwaitResponse installs fn as the one-shot callback for the next
// update matching the engine's scope, replacing any pending one. There
// is no queue: only one awaiter exists at a time. No timeout is built
// in; a host wanting one races the awaiter against a timer and calls
// Exit or Transition on expiry.
func (e *Engine) AwaitResponse(fn func(u tele.Update)) {
	e.mu.Lock()
	e.awaiter = fn
	e.mu.Unlock()
}

// Active reports whether the engine is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// CurrentStep returns the name of the step the engine is in, or empty
// before the first transition.
func (e *Engine) CurrentStep() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Steps returns registered step names in registration order.
func (e *Engine) Steps() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.steps.ordered()
}

// History returns a copy of the recorded conversation updates.
func (e *Engine) History() []tele.Update {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.snapshot()
}

// Context returns the opaque stage payload.
func (e *Engine) Context() any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.context
}

// SetContext replaces the opaque stage payload.
func (e *Engine) SetContext(v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.context = v
}

// handleUpdate processes one inbound update to completion. The first
// update after Start only disarms the first-run flag. Later updates are
// dropped unless an awaiter is pending and the update passes the scope
// filter; accepted updates are recorded and delivered to the awaiter,
// which is cleared before the callback runs so a stale awaiter can
// never observe an update.
func (e *Engine) handleUpdate(u tele.Update) {
	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	if e.firstRun {
		e.firstRun = false
		e.history.record(u)
		e.mu.Unlock()
		return
	}
	fn := e.awaiter
	if fn == nil {
		e.mu.Unlock()
		return
	}
	if !e.scope.matches(u, e.selfID()) {
		e.mu.Unlock()
		return
	}
	e.history.record(u)
	e.awaiter = nil
	current := e.current
	e.mu.Unlock()

	logger.Debug(logger.WithUpdateMeta(e.logCtx(current), u.ID, e.scope.userID, e.scope.chatID), "stage", "stage.awaited",
		slog.String("status", "ok"),
		slog.Bool("awaited", true),
	)

	fn(u)
}

func (e *Engine) selfID() int64 {
	if e.self == nil {
		return 0
	}
	return e.self.SelfID()
}

func (e *Engine) logCtx(step string) context.Context {
	ctx := logger.WithEngine(logger.Background(), e.id, step)
	if e.scope.userID != 0 || e.scope.chatID != 0 {
		ctx = logger.WithUpdateMeta(ctx, 0, e.scope.userID, e.scope.chatID)
	}
	return ctx
}
