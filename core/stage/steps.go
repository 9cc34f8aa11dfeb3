package stage

import (
	"fmt"

	"log/slog"

	"github.com/rwxkit/stagebot/core/logger"
)

// stepTable maps step names to handlers preserving registration order
// and tracking the designated initial step.
type stepTable struct {
	names    []string
	handlers map[string]Handler
	initial  string
}

func newStepTable() *stepTable {
	return &stepTable{handlers: make(map[string]Handler)}
}

// register adds or overwrites a named handler. Re-registering a name
// keeps its original position. The last registration with initial=true
// wins; overwriting a previously designated initial step is logged as a
// warning, not treated as an error.
func (t *stepTable) register(name string, h Handler, initial bool) {
	if _, exists := t.handlers[name]; !exists {
		t.names = append(t.names, name)
	}
	t.handlers[name] = h
	if !initial {
		return
	}
	if t.initial != "" && t.initial != name {
		logger.Warn(logger.Background(), "stage", "step.initial.redefined",
			slog.String("from_step", t.initial),
			slog.String("step", name),
		)
	}
	t.initial = name
}

func (t *stepTable) get(name string) (Handler, error) {
	h, ok := t.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStep, name)
	}
	return h, nil
}

func (t *stepTable) empty() bool {
	return len(t.handlers) == 0
}

// ordered returns step names in registration order.
func (t *stepTable) ordered() []string {
	return append([]string(nil), t.names...)
}
