package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/RichardoC/luna/internal/db"
	"github.com/RichardoC/luna/internal/llm"
	"github.com/RichardoC/luna/internal/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ChatPath = "/functions/v1/chat"

	historyLimit = 50
	dateLayout   = "2006-01-02"

	// MaxBodyBytes caps every JSON request body.
	MaxBodyBytes = 1 << 20
)

// Store is the persistence the HTTP surface reads and writes.
type Store interface {
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	RenameConversation(ctx context.Context, userID, id, title string) error
	DeleteConversation(ctx context.Context, userID, id string) error
	ListMessages(ctx context.Context, userID, conversationID string, limit int) ([]models.StoredMessage, error)
	ListOrphanMessages(ctx context.Context, userID string, limit int) ([]models.StoredMessage, error)

	UpsertPeriodLog(ctx context.Context, log *models.PeriodLog) error
	ListPeriodLogs(ctx context.Context, userID string) ([]models.PeriodLog, error)
	DeletePeriodLog(ctx context.Context, userID, logDate string) error
	UpsertMoodEntry(ctx context.Context, entry *models.MoodEntry) error
	ListMoodEntries(ctx context.Context, userID string) ([]models.MoodEntry, error)
	DeleteMoodEntry(ctx context.Context, userID, entryDate string) error
}

// Relay streams the assistant reply for a conversation.
type Relay interface {
	Stream(ctx context.Context, turns []models.Turn, onChunk func(text string) error) error
}

type Handler struct {
	store   Store
	relay   Relay
	logger  *zap.Logger
	metrics *Metrics
	key     string
	limiter *rate.Limiter
}

type Option func(*Handler)

// WithPublishableKey requires chat requests to carry key as a bearer token.
func WithPublishableKey(key string) Option {
	return func(h *Handler) { h.key = key }
}

// WithRateLimit caps chat requests across all clients. Zero or less turns
// the limiter off.
func WithRateLimit(perMinute int) Option {
	return func(h *Handler) {
		if perMinute <= 0 {
			h.limiter = nil
			return
		}
		h.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func NewHandler(store Store, relay Relay, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		relay:  relay,
		logger: logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.metrics == nil {
		h.metrics = NewMetrics()
	}
	return h
}

// Routes mounts every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(ChatPath, h.metrics.instrument("chat", h.HandleChat))
	mux.HandleFunc("/api/conversations", h.metrics.instrument("conversations", h.GetConversations))
	mux.HandleFunc("/api/conversations/update", h.metrics.instrument("conversations_update", h.UpdateConversation))
	mux.HandleFunc("/api/conversations/delete", h.metrics.instrument("conversations_delete", h.DeleteConversation))
	mux.HandleFunc("/api/messages", h.metrics.instrument("messages", h.GetMessages))
	mux.HandleFunc("/api/period-logs", h.metrics.instrument("period_logs", h.PeriodLogs))
	mux.HandleFunc("/api/mood-entries", h.metrics.instrument("mood_entries", h.MoodEntries))
	mux.Handle("/metrics", h.metrics.Handler())
	return mux
}

type ChatRequest struct {
	Messages []models.Turn `json:"messages"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type frame struct {
	Choices []choice `json:"choices"`
}

type choice struct {
	Delta delta `json:"delta"`
}

type delta struct {
	Content string `json:"content"`
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "authorization, x-client-info, apikey, content-type")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, errorResponse{Error: msg})
}

// readJSON decodes a capped request body into v, answering 413 or 400 itself
// when that fails.
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	h.writeError(w, http.StatusBadRequest, "Invalid request body")
	return false
}

// HandleChat is the chat function endpoint. It answers with an event stream
// of OpenAI-style delta frames followed by a [DONE] marker.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if h.key != "" && r.Header.Get("Authorization") != "Bearer "+h.key {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.limiter != nil && !h.limiter.Allow() {
		h.metrics.ChatRateLimitTotal.Inc()
		h.writeError(w, http.StatusTooManyRequests, llm.RateLimitedMessage)
		return
	}

	var req ChatRequest
	if !h.readJSON(w, r, &req) {
		return
	}

	h.metrics.ChatStreamsActive.Inc()
	defer h.metrics.ChatStreamsActive.Dec()

	flusher, _ := w.(http.Flusher)
	started := false
	err := h.relay.Stream(r.Context(), req.Messages, func(text string) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		payload, err := json.Marshal(frame{Choices: []choice{{Delta: delta{Content: text}}}})
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		h.metrics.ChatChunksTotal.Inc()
		return nil
	})

	if err != nil {
		if started {
			// Headers are gone; the client sees a stream without [DONE].
			h.metrics.ChatStreamsTotal.WithLabelValues("interrupted").Inc()
			h.logger.Error("Chat stream interrupted", zap.Error(err))
			return
		}
		status, msg := llm.Classify(err)
		h.metrics.ChatStreamsTotal.WithLabelValues(strings.ToLower(http.StatusText(status))).Inc()
		h.logger.Error("Chat error",
			zap.Error(err),
			zap.Int("status", status),
			zap.Int("upstream_status", llm.UpstreamStatus(err)))
		h.writeError(w, status, msg)
		return
	}

	if !started {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
	h.metrics.ChatStreamsTotal.WithLabelValues("ok").Inc()
}

// userID reads the caller's identity. Authentication happens upstream.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Query parameter 'user_id' is required")
		return "", false
	}
	return id, true
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	conversations, err := h.store.ListConversations(r.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get conversations",
			zap.Error(err),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.String("user_id", userID))
	h.writeJSON(w, http.StatusOK, conversations)
}

func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	var req UpdateConversationRequest
	if !h.readJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.store.RenameConversation(r.Context(), userID, convID, strings.TrimSpace(req.Title))
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to update conversation", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	if err := h.store.DeleteConversation(r.Context(), userID, convID); err != nil {
		h.logger.Error("Failed to delete conversation", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetMessages lists the most recent messages of a conversation, or the
// user's orphaned messages when conversation_id is absent.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var (
		messages []models.StoredMessage
		err      error
	)
	if convID := r.URL.Query().Get("conversation_id"); convID != "" {
		messages, err = h.store.ListMessages(r.Context(), userID, convID, historyLimit)
	} else {
		messages, err = h.store.ListOrphanMessages(r.Context(), userID, historyLimit)
	}
	if err != nil {
		h.logger.Error("Failed to get messages", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) PeriodLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		logs, err := h.store.ListPeriodLogs(r.Context(), userID)
		if err != nil {
			h.logger.Error("Failed to get period logs", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "Failed to load period logs")
			return
		}
		h.writeJSON(w, http.StatusOK, logs)

	case http.MethodPost:
		var log models.PeriodLog
		if !h.readJSON(w, r, &log) {
			return
		}
		if err := validatePeriodLog(&log); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.UserID = userID
		if err := h.store.UpsertPeriodLog(r.Context(), &log); err != nil {
			h.logger.Error("Failed to save period log", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "Failed to save log")
			return
		}
		h.writeJSON(w, http.StatusOK, log)

	case http.MethodDelete:
		date := r.URL.Query().Get("date")
		if _, err := time.Parse(dateLayout, date); err != nil {
			h.writeError(w, http.StatusBadRequest, "Query parameter 'date' must be YYYY-MM-DD")
			return
		}
		if err := h.store.DeletePeriodLog(r.Context(), userID, date); err != nil {
			h.logger.Error("Failed to delete period log", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "Failed to delete log")
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *Handler) MoodEntries(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		entries, err := h.store.ListMoodEntries(r.Context(), userID)
		if err != nil {
			h.logger.Error("Failed to get mood entries", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "Failed to load mood entries")
			return
		}
		h.writeJSON(w, http.StatusOK, entries)

	case http.MethodPost:
		var entry models.MoodEntry
		if !h.readJSON(w, r, &entry) {
			return
		}
		if err := validateMoodEntry(&entry); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		entry.UserID = userID
		if err := h.store.UpsertMoodEntry(r.Context(), &entry); err != nil {
			h.logger.Error("Failed to save mood entry", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "Failed to save entry")
			return
		}
		h.writeJSON(w, http.StatusOK, entry)

	case http.MethodDelete:
		date := r.URL.Query().Get("date")
		if _, err := time.Parse(dateLayout, date); err != nil {
			h.writeError(w, http.StatusBadRequest, "Query parameter 'date' must be YYYY-MM-DD")
			return
		}
		if err := h.store.DeleteMoodEntry(r.Context(), userID, date); err != nil {
			h.logger.Error("Failed to delete mood entry", zap.Error(err))
			h.writeError(w, http.StatusInternalServerError, "Failed to delete entry")
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func validatePeriodLog(log *models.PeriodLog) error {
	if _, err := time.Parse(dateLayout, log.LogDate); err != nil {
		return errors.New("log_date must be YYYY-MM-DD")
	}
	if log.FlowIntensity != nil {
		switch *log.FlowIntensity {
		case models.FlowSpotting, models.FlowLight, models.FlowMedium, models.FlowHeavy:
		default:
			return fmt.Errorf("unknown flow_intensity %q", *log.FlowIntensity)
		}
	}
	return nil
}

func validateMoodEntry(entry *models.MoodEntry) error {
	if _, err := time.Parse(dateLayout, entry.EntryDate); err != nil {
		return errors.New("entry_date must be YYYY-MM-DD")
	}
	if entry.MoodScore < 1 || entry.MoodScore > 5 {
		return errors.New("mood_score must be between 1 and 5")
	}
	if strings.TrimSpace(entry.MoodLabel) == "" {
		return errors.New("mood_label is required")
	}
	// Zero means not recorded.
	if entry.EnergyLevel != nil && *entry.EnergyLevel == 0 {
		entry.EnergyLevel = nil
	}
	if entry.SleepQuality != nil && *entry.SleepQuality == 0 {
		entry.SleepQuality = nil
	}
	return nil
}
