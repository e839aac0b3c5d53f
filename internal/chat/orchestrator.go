// Package chat holds the client side of a Luna conversation: the visible
// message list, the current conversation, and the send/edit pipeline that
// streams assistant replies and persists both sides of the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/luna/internal/backend"
	"github.com/RichardoC/luna/internal/goodbye"
	"github.com/RichardoC/luna/internal/models"
	"github.com/RichardoC/luna/internal/sse"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultWelcome = "Hey! 💜 I'm Luna, your wellness bestie! Period stuff, stress, or just need to chat? I'm here. No judgment! How are you? ✨"

	genericFailure = "Something went wrong"
	clearedNotice  = "Chat history cleared 💜"
	clearFailed    = "Could not clear history"
	loadFailed     = "Could not load that conversation"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrBusy            = errors.New("a message is already being sent")
	ErrNotStarted      = errors.New("chat session has not started")
	ErrAlreadyStarted  = errors.New("chat session already started")
	ErrUnauthenticated = errors.New("user identity is not resolved")
	ErrInterrupted     = errors.New("reply interrupted by a conversation change")
	ErrNoGoodbye       = errors.New("no goodbye is waiting for confirmation")
)

// Backend opens the streamed assistant reply for a conversation payload.
type Backend interface {
	Stream(ctx context.Context, turns []models.Turn) (io.ReadCloser, error)
}

type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLoadingHistory
	PhaseIdle
	PhaseSending
	PhaseStreaming
	PhasePersisting
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoadingHistory:
		return "loading-history"
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhasePersisting:
		return "persisting"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Snapshot is what a UI renders.
type Snapshot struct {
	Phase          Phase
	Messages       []models.Message
	ConversationID string
	PendingGoodbye bool
}

// Loading reports whether a send or edit is in flight.
func (s Snapshot) Loading() bool {
	return s.Phase >= PhaseSending
}

type Level int

const (
	LevelInfo Level = iota
	LevelError
)

// Notice is a single user-facing notification.
type Notice struct {
	Level Level
	Text  string
}

type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithWelcome(text string) Option {
	return func(o *Orchestrator) { o.welcome = text }
}

// WithPersistPolicy sets the per-attempt timeout and the delay before the
// single retry of remote store calls.
func WithPersistPolicy(timeout, retryDelay time.Duration) Option {
	return func(o *Orchestrator) {
		o.persistTimeout = timeout
		o.persistRetryDelay = retryDelay
	}
}

// WithIDGenerator replaces the provisional id source.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithPicker replaces the random choice of farewell message.
func WithPicker(fn func(n int) int) Option {
	return func(o *Orchestrator) { o.pick = fn }
}

// WithTaskHook observes every background remote call when it finishes.
func WithTaskHook(fn func(name string, err error)) Option {
	return func(o *Orchestrator) { o.taskHook = fn }
}

// Orchestrator drives one signed-in user's chat session. Its operations
// block until done and are meant to be called from a single UI goroutine;
// Snapshot and Subscribe are safe from anywhere.
type Orchestrator struct {
	backend  Backend
	repo     Repository
	logger   *zap.Logger
	notifier Notifier
	welcome  string
	newID    func() string
	pick     func(n int) int
	taskHook func(name string, err error)

	persistTimeout    time.Duration
	persistRetryDelay time.Duration

	tasks  *Tasks
	store  *Store
	convs  *Conversations
	remote *remote

	mu        sync.Mutex
	phase     Phase
	epoch     uint64
	cancel    context.CancelFunc
	pending   string
	hasParked bool
	nextSub   int
	listeners map[int]func(Snapshot)
}

func New(b Backend, repo Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:           b,
		repo:              repo,
		logger:            zap.NewNop(),
		notifier:          NotifierFunc(func(Notice) {}),
		welcome:           DefaultWelcome,
		newID:             uuid.NewString,
		pick:              rand.IntN,
		persistTimeout:    defaultPersistTimeout,
		persistRetryDelay: defaultPersistRetryDelay,
		listeners:         make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.tasks = NewTasks(o.logger, o.taskHook)
	o.store = NewStore(o.welcome, o.tasks)
	o.convs = newConversations(o.store, o.logger)
	return o
}

// Start binds the session to a resolved user and loads their history. It
// must not run before the identity is known and only runs once.
func (o *Orchestrator) Start(ctx context.Context, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrUnauthenticated
	}

	o.mu.Lock()
	if o.phase != PhaseUninitialized {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.phase = PhaseLoadingHistory
	o.remote = &remote{
		repo:       o.repo,
		userID:     userID,
		timeout:    o.persistTimeout,
		retryDelay: o.persistRetryDelay,
	}
	o.store.bind(o.remote)
	o.convs.bind(o.remote)
	o.mu.Unlock()
	o.emit()

	if err := o.convs.LoadInitial(ctx); err != nil {
		o.logger.Error("Error loading chat history", zap.Error(err))
	}
	o.setPhase(PhaseIdle)
	return nil
}

// Store exposes the message list.
func (o *Orchestrator) Store() *Store {
	return o.store
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	phase, parked := o.phase, o.hasParked
	o.mu.Unlock()
	return Snapshot{
		Phase:          phase,
		Messages:       o.store.Messages(),
		ConversationID: o.convs.Current(),
		PendingGoodbye: parked,
	}
}

// Subscribe registers fn to receive a snapshot after every state change.
// The returned function removes it.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.listeners[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.listeners, id)
	}
}

// Wait blocks until background remote calls have finished.
func (o *Orchestrator) Wait() {
	o.tasks.Wait()
}

// Submit is the entry point for text typed by the user. Farewells are
// parked until the user confirms through ContinueChatting or ExitChat;
// intercepted reports that this happened.
func (o *Orchestrator) Submit(ctx context.Context, text string) (intercepted bool, err error) {
	if strings.TrimSpace(text) == "" {
		return false, ErrEmptyMessage
	}
	if !goodbye.IsGoodbye(text) {
		return false, o.SendMessage(ctx, text)
	}

	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return false, o.idleErr()
	}
	o.pending = text
	o.hasParked = true
	o.mu.Unlock()
	o.emit()
	return true, nil
}

// ContinueChatting discards the parked farewell. It is never sent or stored.
func (o *Orchestrator) ContinueChatting() {
	o.mu.Lock()
	o.pending, o.hasParked = "", false
	o.mu.Unlock()
	o.emit()
}

// ExitChat answers a parked farewell with a goodbye and clears the history.
func (o *Orchestrator) ExitChat(ctx context.Context) (string, error) {
	o.mu.Lock()
	if !o.hasParked {
		o.mu.Unlock()
		return "", ErrNoGoodbye
	}
	o.pending, o.hasParked = "", false
	o.mu.Unlock()

	farewell := goodbye.Farewell(o.pick)
	o.notifier.Notify(Notice{Level: LevelInfo, Text: farewell})
	return farewell, o.clear(ctx, false)
}

// SendMessage appends text as a user turn, persists it, streams the reply
// and persists that too.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	ctx, epoch, err := o.begin(ctx)
	if err != nil {
		return err
	}
	defer o.finish()

	user := models.Message{
		ID:        models.Provisional(o.newID()),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	o.store.Append(user)
	o.emit()

	convID, err := o.convs.Ensure(ctx, text)
	if err != nil {
		// The message is kept as an orphan row rather than lost.
		o.logger.Error("Error creating conversation", zap.Error(err))
	}
	if !o.persist(ctx, epoch, user, convID) {
		return ErrInterrupted
	}

	return o.stream(ctx, epoch, convID)
}

// EditMessage rewrites a past user turn, drops everything after it and
// asks for a fresh reply.
func (o *Orchestrator) EditMessage(ctx context.Context, id models.MessageID, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrEmptyMessage
	}
	ctx, epoch, err := o.begin(ctx)
	if err != nil {
		return err
	}
	defer o.finish()

	msg, ok := o.store.Find(id)
	if !ok {
		return ErrMessageNotFound
	}
	if msg.IsWelcome() || msg.Role != models.RoleUser {
		return ErrNotEditable
	}
	if _, err := o.store.EditAt(id, content); err != nil {
		return err
	}
	o.emit()

	return o.stream(ctx, epoch, o.convs.Current())
}

// DeleteMessage removes one message while no reply is in flight.
func (o *Orchestrator) DeleteMessage(id models.MessageID) error {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return o.idleErr()
	}
	o.mu.Unlock()

	if err := o.store.Remove(id); err != nil {
		return err
	}
	o.emit()
	return nil
}

// SwitchConversation replaces the visible list with conversation id, or
// with just the welcome message when id is empty.
func (o *Orchestrator) SwitchConversation(ctx context.Context, id string) error {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return o.idleErr()
	}
	o.epoch++
	o.pending, o.hasParked = "", false
	o.mu.Unlock()

	err := o.convs.Switch(ctx, id)
	if err != nil {
		o.logger.Error("Error switching conversation",
			zap.String("conversation_id", id),
			zap.Error(err))
		o.notifier.Notify(Notice{Level: LevelError, Text: loadFailed})
	}
	o.emit()
	return err
}

// ClearHistory deletes the current conversation and leaves only the welcome
// message. It may be called at any time; a reply still streaming is
// abandoned.
func (o *Orchestrator) ClearHistory(ctx context.Context) error {
	return o.clear(ctx, true)
}

func (o *Orchestrator) clear(ctx context.Context, announce bool) error {
	o.mu.Lock()
	if o.phase == PhaseUninitialized {
		o.mu.Unlock()
		return ErrNotStarted
	}
	o.epoch++
	if o.cancel != nil {
		o.cancel()
	}
	o.pending, o.hasParked = "", false
	o.mu.Unlock()

	err := o.convs.Clear(ctx)
	switch {
	case err != nil:
		o.logger.Error("Error clearing history", zap.Error(err))
		o.notifier.Notify(Notice{Level: LevelError, Text: clearFailed})
	case announce:
		o.notifier.Notify(Notice{Level: LevelInfo, Text: clearedNotice})
	}
	o.emit()
	return err
}

// begin claims the single send/edit slot. Any parked farewell is dropped.
func (o *Orchestrator) begin(ctx context.Context) (context.Context, uint64, error) {
	o.mu.Lock()
	if o.phase != PhaseIdle {
		o.mu.Unlock()
		return nil, 0, o.idleErr()
	}
	ctx, cancel := context.WithCancel(ctx)
	o.phase = PhaseSending
	o.cancel = cancel
	o.pending, o.hasParked = "", false
	epoch := o.epoch
	o.mu.Unlock()
	o.emit()
	return ctx, epoch, nil
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.phase = PhaseIdle
	o.mu.Unlock()
	o.emit()
}

// idleErr explains why an operation needing the idle phase was refused.
// Callers hold o.mu.
func (o *Orchestrator) idleErr() error {
	if o.phase == PhaseUninitialized {
		return ErrNotStarted
	}
	return ErrBusy
}

// stream requests the reply to the current list and feeds it into the store
// under one provisional assistant id. On failure the partial reply is
// removed and one notice is raised.
func (o *Orchestrator) stream(ctx context.Context, epoch uint64, convID string) error {
	assistantID := models.Provisional(o.newID())
	turns := o.store.Turns()

	o.setPhase(PhaseStreaming)
	body, err := o.backend.Stream(ctx, turns)
	if err != nil {
		return o.abort(epoch, assistantID, err)
	}
	defer body.Close()

	dec := sse.NewDecoder(body)
	var content strings.Builder
	for {
		frag, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return o.abort(epoch, assistantID, fmt.Errorf("failed to read reply: %w", err))
		}
		content.WriteString(frag)
		if !o.apply(epoch, assistantID, content.String()) {
			return ErrInterrupted
		}
	}
	if n := dec.Dropped(); n > 0 {
		o.logger.Warn("dropped malformed stream frames", zap.Int("count", n))
	}
	if content.Len() == 0 {
		return nil
	}

	o.setPhase(PhasePersisting)
	if !o.persist(ctx, epoch, models.Message{
		ID:      assistantID,
		Role:    models.RoleAssistant,
		Content: content.String(),
	}, convID) {
		return ErrInterrupted
	}
	return nil
}

// apply records the accumulated reply unless the conversation changed since
// the send began.
func (o *Orchestrator) apply(epoch uint64, id models.MessageID, content string) bool {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		return false
	}
	o.store.UpdateLast(id, content)
	o.mu.Unlock()
	o.emit()
	return true
}

func (o *Orchestrator) abort(epoch uint64, assistantID models.MessageID, err error) error {
	if !o.isCurrent(epoch) {
		return ErrInterrupted
	}

	o.logger.Error("Chat error", zap.Error(err))
	_ = o.store.Remove(assistantID)
	o.notifier.Notify(Notice{Level: LevelError, Text: userFacing(err)})
	o.emit()
	return err
}

// persist saves msg against convID and swaps in the remote id. Failures are
// logged only; the local message stays with its provisional id. It reports
// false, saving nothing, once the conversation has changed since epoch.
func (o *Orchestrator) persist(ctx context.Context, epoch uint64, msg models.Message, convID string) bool {
	if !o.isCurrent(epoch) {
		return false
	}
	row := &models.StoredMessage{
		ConversationID: convID,
		Role:           msg.Role,
		Content:        msg.Content,
	}
	if err := o.remote.saveMessage(ctx, row); err != nil {
		o.logger.Error("Error saving message",
			zap.String("role", string(msg.Role)),
			zap.Error(err))
		return o.isCurrent(epoch)
	}

	o.mu.Lock()
	current := o.epoch == epoch
	if current {
		o.store.Reconcile(msg.ID, models.Persisted(row.ID))
	}
	o.mu.Unlock()
	o.emit()
	return current
}

func (o *Orchestrator) isCurrent(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch == epoch
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
	o.emit()
}

func (o *Orchestrator) emit() {
	o.mu.Lock()
	if len(o.listeners) == 0 {
		o.mu.Unlock()
		return
	}
	fns := make([]func(Snapshot), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	snap := o.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

func userFacing(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return genericFailure
}
