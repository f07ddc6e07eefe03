// Package commands turns inbound chat messages into subscription changes and
// status replies.
package commands

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ratingbot/internal/poller"
	"ratingbot/internal/rating"
	"ratingbot/internal/source"
	"ratingbot/internal/transport"
	"ratingbot/pkg/logx"
)

const defaultTimeout = 20 * time.Second

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration
	// Hidden commands work but are left out of /help and the menu.
	Hidden bool
	Handle HandlerFunc
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Logger  logx.Logger

	sender transport.Sender
}

// Reply sends plain text back to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

type Registry interface {
	Subscribe(ctx context.Context, chat int64, subject rating.Subject) (bool, error)
	Unsubscribe(ctx context.Context, chat int64, subject rating.Subject) (bool, error)
	RemoveChat(ctx context.Context, chat int64, reason string) ([]rating.Subject, error)
	SubjectsOf(chat int64) []rating.Subject
	Counts() (chats, subscriptions int)
}

type Cache interface {
	Get(ctx context.Context, subject rating.Subject) (*rating.CacheEntry, error)
}

type Listings interface {
	Listing(ctx context.Context, postal string) (*source.Listing, error)
}

type Poller interface {
	State(subject rating.Subject) (poller.SubjectState, bool)
	LastReport() (poller.TickReport, bool)
	Schedule() poller.Schedule
}

type Deps struct {
	Sender        transport.Sender
	Registry      Registry
	Cache         Cache
	Listings      Listings
	Poller        Poller
	DefaultPostal string
	// Rand orders /random picks. Nil uses the global source.
	Rand *rand.Rand
	Log  logx.Logger
}

// Manager routes updates to commands through the middleware chain.
type Manager struct {
	deps Deps
	log  logx.Logger

	mu    sync.RWMutex
	cmds  map[string]*Command
	order []*Command
	mw    []Middleware

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(deps Deps) *Manager {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		deps: deps,
		log:  log.With(logx.String("comp", "commands")),
		cmds: map[string]*Command{},
		mw:   []Middleware{MWPanicRecover(), MWRequestLog()},
		rng:  deps.Rand,
	}
	for _, c := range m.builtin() {
		m.Register(c)
	}
	return m
}

// Register adds or replaces a command by name.
func (m *Manager) Register(c Command) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	if old, ok := m.cmds[cp.Name]; ok {
		for i, o := range m.order {
			if o == old {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.order = append(m.order, &cp)
	m.cmds[cp.Name] = &cp
	for _, a := range cp.Aliases {
		m.cmds[a] = &cp
	}
}

// Commands returns the visible commands in registration order.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Command, 0, len(m.order))
	for _, c := range m.order {
		if !c.Hidden {
			out = append(out, *c)
		}
	}
	return out
}

// Menu is the command list published to the chat platform.
func (m *Manager) Menu() []transport.BotCommand {
	cmds := m.Commands()
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
// Each update is handled by one of workers goroutines.
func (m *Manager) DispatchLoop(ctx context.Context, updates <-chan transport.Update, workers int) error {
	if workers <= 0 {
		workers = 4
	}
	jobs := make(chan transport.Update)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for up := range jobs {
				m.Dispatch(ctx, up)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
		m.log.Info("command dispatcher stopped")
	}()

	m.log.Info("command dispatcher started", logx.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case jobs <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Dispatch handles a single update synchronously. Non-command text is ignored.
func (m *Manager) Dispatch(ctx context.Context, up transport.Update) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	cmd := m.cmds[name]
	mw := m.mw
	m.mu.RUnlock()

	if cmd == nil {
		_, _ = m.deps.Sender.SendText(ctx, chat, "Unknown command. Try /help", nil)
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		sender: m.deps.Sender,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	h := Chain(cmd.Handle, append(append([]Middleware(nil), mw...), MWTimeout(timeout))...)
	if err := h(ctx, req); err != nil && !errors.Is(err, context.Canceled) {
		_ = req.Reply(context.WithoutCancel(ctx), "Something went wrong, please try again later.")
	}
}

// parseCommand splits "/name@bot arg1 arg2" into name and args.
func parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	name := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), parts[1:], true
}
