package telegram

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rwxkit/stagebot/core/logger"
	"github.com/rwxkit/stagebot/core/stage"
	"github.com/rwxkit/stagebot/core/telegram/middleware"
	"log/slog"

	tele "gopkg.in/telebot.v4"
)

// StageFactory builds a stage engine for the update that triggered the
// launch. base arrives prefilled with the launcher's defaults (update
// source, bot identity, history toggle) and the chat/user scope of the
// triggering update; the factory registers the steps, the launcher
// starts the engine.
type StageFactory func(c tele.Context, base stage.Options) (*stage.Engine, error)

// Launcher maps bot commands to stage factories and tracks the single
// live stage per chat/user scope. Launching a new stage for a scope
// exits the previous one first.
type Launcher struct {
	mu        sync.RWMutex
	factories map[string]StageFactory
	active    map[string]*stage.Engine
	defaults  stage.Options
}

// NewLauncher creates an empty Launcher.
func NewLauncher() *Launcher {
	return &Launcher{
		factories: make(map[string]StageFactory),
		active:    make(map[string]*stage.Engine),
	}
}

// Register binds a command to a stage factory. Commands must carry the
// slash prefix. Duplicate registrations are skipped with a warning,
// matching how command registries behave elsewhere in the core.
func (l *Launcher) Register(command string, f StageFactory) error {
	if l == nil || command == "" || f == nil {
		logger.Warn(logger.Background(), "tg.wire", "register.stage.skip",
			slog.String("name", command),
			slog.String("cause", "invalid"),
		)
		return errors.New("invalid stage registration")
	}
	if !strings.HasPrefix(command, "/") {
		logger.Warn(logger.Background(), "tg.wire", "register.stage.skip",
			slog.String("name", command),
			slog.String("cause", "no_slash_prefix"),
		)
		return fmt.Errorf("stage command must start with '/': %s", command)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.factories[command]; exists {
		logger.Warn(logger.Background(), "tg.wire", "register.stage.duplicate",
			slog.String("name", command),
		)
		return fmt.Errorf("stage already registered: %s", command)
	}
	l.factories[command] = f
	return nil
}

// Configure sets the base stage options handed to factories on launch.
// RunBot calls this with the stream, the bot identity, and the
// configured history default; hosts wiring bots by hand do the same.
func (l *Launcher) Configure(defaults stage.Options) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaults = defaults
}

// Commands returns registered launch commands in sorted order.
func (l *Launcher) Commands() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.factories))
	for name := range l.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Active returns the live stage for a chat/user scope, if any.
func (l *Launcher) Active(chatID, userID int64) (*stage.Engine, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	eng, ok := l.active[scopeKey(chatID, userID)]
	return eng, ok
}

// Launch builds and starts the stage registered for command, replacing
// any stage previously live for the same scope.
func (l *Launcher) Launch(command string, c tele.Context) error {
	l.mu.RLock()
	factory, ok := l.factories[command]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no stage registered for %s", command)
	}

	var chatID, userID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}
	if user := c.Sender(); user != nil {
		userID = user.ID
	}
	key := scopeKey(chatID, userID)

	l.mu.Lock()
	prev := l.active[key]
	delete(l.active, key)
	base := l.defaults
	l.mu.Unlock()
	if prev != nil {
		prev.Exit()
	}

	base.ChatID = chatID
	base.UserID = userID
	eng, err := factory(c, base)
	if err != nil {
		return fmt.Errorf("stage factory %s: %w", command, err)
	}
	eng.OnExit(func(any) { l.release(key, eng) })

	// Track the engine before Start so a stage exiting from its initial
	// handler releases an entry that actually exists.
	l.mu.Lock()
	l.active[key] = eng
	l.mu.Unlock()

	if err := eng.Start(); err != nil {
		eng.Exit()
		l.release(key, eng)
		return fmt.Errorf("stage start %s: %w", command, err)
	}

	logger.Info(middleware.BuildContext(c), "tg.wire", "stage.launch",
		slog.String("status", "ok"),
		slog.String("handler", command),
		slog.String("engine_id", eng.ID()),
	)
	return nil
}

// Routes exposes one launch route per registered command, wrapped with
// the shared middleware chain.
func (l *Launcher) Routes() []Route {
	commands := l.Commands()
	routes := make([]Route, 0, len(commands))
	for _, command := range commands {
		command := command
		h := func(c tele.Context) error {
			return l.Launch(command, c)
		}
		routes = append(routes, Route{
			Endpoint: command,
			Handler:  middleware.Recover(middleware.Logger(h)),
		})
	}
	return routes
}

func (l *Launcher) release(key string, eng *stage.Engine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[key] == eng {
		delete(l.active, key)
	}
}

func scopeKey(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}
