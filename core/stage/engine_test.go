package stage

import (
	"errors"
	"sort"
	"sync"
	"testing"

	tele "gopkg.in/telebot.v4"
)

// fakeSource is an in-memory Source delivering published updates to
// subscribers in subscription order.
type fakeSource struct {
	mu     sync.Mutex
	nextID Subscription
	subs   map[Subscription]func(tele.Update)
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[Subscription]func(tele.Update))}
}

func (s *fakeSource) Subscribe(_ func(tele.Update) bool, fn func(tele.Update)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.subs[s.nextID] = fn
	return s.nextID
}

func (s *fakeSource) Unsubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func (s *fakeSource) publish(u tele.Update) {
	s.mu.Lock()
	ids := make([]Subscription, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(tele.Update), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (s *fakeSource) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func msgUpdate(id int, chatID, userID int64) tele.Update {
	return tele.Update{
		ID: id,
		Message: &tele.Message{
			Chat:   &tele.Chat{ID: chatID},
			Sender: &tele.User{ID: userID},
		},
	}
}

func TestNewRequiresSource(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoSource) {
		t.Fatalf("expected ErrNoSource, got %v", err)
	}
}

func TestStartWithoutSteps(t *testing.T) {
	e, err := New(Options{Source: newFakeSource()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrNoStepsDefined) {
		t.Fatalf("expected ErrNoStepsDefined, got %v", err)
	}
	if e.Active() {
		t.Fatal("engine must stay inactive after failed start")
	}
}

func TestStartEntersInitialStep(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src})

	invoked := 0
	e.OnInitial("ask_name", func(e *Engine) error {
		invoked++
		return nil
	})

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !e.Active() {
		t.Fatal("expected active engine")
	}
	if got := e.CurrentStep(); got != "ask_name" {
		t.Fatalf("current step = %q, want ask_name", got)
	}
	if invoked != 1 {
		t.Fatalf("initial handler invoked %d times, want 1", invoked)
	}
	if src.len() != 1 {
		t.Fatalf("expected one subscription, got %d", src.len())
	}
}

func TestStartWithoutInitialStep(t *testing.T) {
	e, _ := New(Options{Source: newFakeSource()})
	e.On("later", func(e *Engine) error { return nil })

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := e.CurrentStep(); got != "" {
		t.Fatalf("current step = %q, want empty", got)
	}
}

func TestStartAlreadyActive(t *testing.T) {
	e, _ := New(Options{Source: newFakeSource()})
	e.On("a", func(e *Engine) error { return nil })
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestStartHookOrder(t *testing.T) {
	e, _ := New(Options{Source: newFakeSource()})
	e.On("a", func(e *Engine) error { return nil })

	var order []string
	e.OnStart(func() { order = append(order, "first") })
	e.OnStart(func() { order = append(order, "second") })

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("hooks ran out of order: %v", order)
	}
}

func TestFirstUpdateNeverReachesAwaiter(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src, History: true})

	var received []tele.Update
	e.OnInitial("ask", func(e *Engine) error {
		e.AwaitResponse(func(u tele.Update) {
			received = append(received, u)
		})
		return nil
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	src.publish(msgUpdate(1, 10, 20))
	if len(received) != 0 {
		t.Fatal("activation update must not reach the awaiter")
	}
	if got := len(e.History()); got != 1 {
		t.Fatalf("activation update should be recorded, history len = %d", got)
	}

	src.publish(msgUpdate(2, 10, 20))
	if len(received) != 1 || received[0].ID != 2 {
		t.Fatalf("second update should reach the awaiter, got %v", received)
	}
	if got := len(e.History()); got != 2 {
		t.Fatalf("history len = %d, want 2", got)
	}
}

func TestChatScopeFiltersUpdates(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src, ChatID: 10, History: true})

	var received []tele.Update
	e.OnInitial("ask", func(e *Engine) error {
		e.AwaitResponse(func(u tele.Update) { received = append(received, u) })
		return nil
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20)) // swallowed activation update

	src.publish(msgUpdate(2, 99, 20))
	if len(received) != 0 {
		t.Fatal("foreign-chat update must be dropped")
	}
	if got := len(e.History()); got != 1 {
		t.Fatalf("foreign-chat update must not be recorded, history len = %d", got)
	}

	src.publish(msgUpdate(3, 10, 20))
	if len(received) != 1 || received[0].ID != 3 {
		t.Fatalf("matching update should be delivered, got %v", received)
	}
}

func TestUserScopeFiltersUpdates(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src, UserID: 20})

	var received int
	e.OnInitial("ask", func(e *Engine) error {
		e.AwaitResponse(func(tele.Update) { received++ })
		return nil
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))

	src.publish(msgUpdate(2, 10, 77))
	if received != 0 {
		t.Fatal("foreign-user update must be dropped")
	}
	src.publish(msgUpdate(3, 10, 20))
	if received != 1 {
		t.Fatalf("matching update should be delivered once, got %d", received)
	}
}

func TestSelfOriginatedDropped(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src, ChatID: 10, Self: StaticIdentity(42)})

	var received int
	e.OnInitial("ask", func(e *Engine) error {
		e.AwaitResponse(func(tele.Update) { received++ })
		return nil
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))

	src.publish(msgUpdate(2, 10, 42)) // own message, scope otherwise matches
	if received != 0 {
		t.Fatal("self-originated update must be dropped")
	}
}

func TestUpdateWithoutAwaiterIsDropped(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src, History: true})
	e.OnInitial("idle", func(e *Engine) error { return nil })
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))

	src.publish(msgUpdate(2, 10, 20))
	if got := len(e.History()); got != 1 {
		t.Fatalf("updates with no awaiter must not be recorded, history len = %d", got)
	}
}

func TestTransitionClearsAwaiter(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src})

	var stale int
	e.OnInitial("a", func(e *Engine) error {
		e.AwaitResponse(func(tele.Update) { stale++ })
		return nil
	})
	e.On("b", func(e *Engine) error { return nil })

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))

	if err := e.Transition("b"); err != nil {
		t.Fatalf("transition: %v", err)
	}
	src.publish(msgUpdate(2, 10, 20))
	if stale != 0 {
		t.Fatal("transition must clear the pending awaiter")
	}
}

func TestAwaitResponseReplacesPending(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src})

	var first, second int
	e.OnInitial("a", func(e *Engine) error {
		e.AwaitResponse(func(tele.Update) { first++ })
		e.AwaitResponse(func(tele.Update) { second++ })
		return nil
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))

	src.publish(msgUpdate(2, 10, 20))
	if first != 0 || second != 1 {
		t.Fatalf("only the last awaiter may fire: first=%d second=%d", first, second)
	}
}

func TestAwaiterIsOneShot(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src})

	var received int
	e.OnInitial("a", func(e *Engine) error {
		e.AwaitResponse(func(tele.Update) { received++ })
		return nil
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))

	src.publish(msgUpdate(2, 10, 20))
	src.publish(msgUpdate(3, 10, 20))
	if received != 1 {
		t.Fatalf("awaiter fired %d times, want 1", received)
	}
}

func TestTransitionUnknownStep(t *testing.T) {
	e, _ := New(Options{Source: newFakeSource()})
	e.On("a", func(e *Engine) error { return nil })
	if err := e.Transition("missing"); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("expected ErrUnknownStep, got %v", err)
	}
}

func TestChainedTransition(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src})

	var order []string
	e.OnInitial("a", func(e *Engine) error {
		order = append(order, "a")
		return e.Transition("b")
	})
	e.On("b", func(e *Engine) error {
		order = append(order, "b")
		return nil
	})

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := e.CurrentStep(); got != "b" {
		t.Fatalf("current step = %q, want b", got)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("handlers ran out of order: %v", order)
	}
}

func TestHandlerErrorPropagates(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src})

	wantErr := errors.New("handler boom")
	e.OnInitial("a", func(e *Engine) error { return wantErr })

	if err := e.Start(); !errors.Is(err, wantErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if !e.Active() {
		t.Fatal("handler failure does not deactivate the engine")
	}
}

func TestExitStopsEverything(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src, History: true, Context: "payload"})

	var received int
	e.OnInitial("a", func(e *Engine) error {
		e.AwaitResponse(func(tele.Update) { received++ })
		return nil
	})

	var exited []any
	e.OnExit(func(ctx any) { exited = append(exited, ctx) })

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))

	e.Exit()
	if e.Active() {
		t.Fatal("expected inactive engine after exit")
	}
	if src.len() != 0 {
		t.Fatal("exit must unsubscribe from the source")
	}
	if len(exited) != 1 || exited[0] != "payload" {
		t.Fatalf("exit hooks should receive the stage context, got %v", exited)
	}

	before := len(e.History())
	src.publish(msgUpdate(2, 10, 20))
	if received != 0 {
		t.Fatal("no awaiter may fire after exit")
	}
	if len(e.History()) != before {
		t.Fatal("history must stop growing after exit")
	}
}

func TestExitIdempotent(t *testing.T) {
	e, _ := New(Options{Source: newFakeSource()})
	e.On("a", func(e *Engine) error { return nil })

	var exits int
	e.OnExit(func(any) { exits++ })

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Exit()
	e.Exit()
	if exits != 1 {
		t.Fatalf("exit hooks fired %d times, want 1", exits)
	}
}

func TestRestartRearmsFirstUpdate(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src})

	var received int
	e.OnInitial("a", func(e *Engine) error {
		e.AwaitResponse(func(tele.Update) { received++ })
		return nil
	})

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))
	e.Exit()

	if err := e.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	src.publish(msgUpdate(2, 10, 20))
	if received != 0 {
		t.Fatal("activation update after restart must be swallowed again")
	}
	src.publish(msgUpdate(3, 10, 20))
	if received != 1 {
		t.Fatalf("expected exactly one delivery after restart, got %d", received)
	}
}

func TestLastInitialRegistrationWins(t *testing.T) {
	e, _ := New(Options{Source: newFakeSource()})

	var entered string
	e.OnInitial("b", func(e *Engine) error { entered = "b"; return nil })
	e.OnInitial("a", func(e *Engine) error { entered = "a"; return nil })

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if entered != "a" {
		t.Fatalf("entered %q, want a (last initial registration wins)", entered)
	}
}

func TestContextMutableAcrossSteps(t *testing.T) {
	e, _ := New(Options{Source: newFakeSource(), Context: 1})

	e.OnInitial("a", func(e *Engine) error {
		e.SetContext(e.Context().(int) + 1)
		return e.Transition("b")
	})
	e.On("b", func(e *Engine) error {
		e.SetContext(e.Context().(int) + 1)
		return nil
	})

	var final any
	e.OnExit(func(ctx any) { final = ctx })

	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Exit()
	if final != 3 {
		t.Fatalf("context = %v, want 3", final)
	}
}

func TestHistoryDisabledByDefault(t *testing.T) {
	src := newFakeSource()
	e, _ := New(Options{Source: src})
	e.OnInitial("a", func(e *Engine) error {
		e.AwaitResponse(func(tele.Update) {})
		return nil
	})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	src.publish(msgUpdate(1, 10, 20))
	src.publish(msgUpdate(2, 10, 20))
	if got := len(e.History()); got != 0 {
		t.Fatalf("history must stay empty when disabled, len = %d", got)
	}
}
