package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/RichardoC/luna/internal/backend"
	"github.com/RichardoC/luna/internal/db"
	"github.com/RichardoC/luna/internal/llm"
	"github.com/RichardoC/luna/internal/models"
	"github.com/RichardoC/luna/internal/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRelay struct {
	chunks []string
	err    error
	got    []models.Turn
}

func (f *fakeRelay) Stream(ctx context.Context, turns []models.Turn, onChunk func(string) error) error {
	f.got = turns
	for _, c := range f.chunks {
		if err := onChunk(c); err != nil {
			return err
		}
	}
	return f.err
}

func newTestStore(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func newServer(t *testing.T, relay Relay, opts ...Option) (*httptest.Server, *db.Database) {
	t.Helper()
	store := newTestStore(t)
	h := NewHandler(store, relay, nil, opts...)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestChatStreamsFramesThroughClient(t *testing.T) {
	relay := &fakeRelay{chunks: []string{"Hey ", "bestie", " 💜"}}
	srv, _ := newServer(t, relay, WithPublishableKey("pk"))

	client := backend.New(srv.URL+ChatPath, "pk")
	body, err := client.Stream(context.Background(), []models.Turn{{Role: models.RoleUser, Content: "I'm stressed"}})
	require.NoError(t, err)
	defer body.Close()

	dec := sse.NewDecoder(body)
	var reply strings.Builder
	for {
		frag, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		reply.WriteString(frag)
	}
	assert.Equal(t, "Hey bestie 💜", reply.String())
	assert.Equal(t, []models.Turn{{Role: models.RoleUser, Content: "I'm stressed"}}, relay.got)
}

func TestChatWireFormat(t *testing.T) {
	srv, _ := newServer(t, &fakeRelay{chunks: []string{"hi"}})

	resp, err := http.Post(srv.URL+ChatPath, "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n", string(raw))
}

func TestChatPreflight(t *testing.T) {
	srv, _ := newServer(t, &fakeRelay{}, WithPublishableKey("pk"))

	req, err := http.NewRequest(http.MethodOptions, srv.URL+ChatPath, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "authorization, x-client-info, apikey, content-type", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestChatRejectsWrongKey(t *testing.T) {
	srv, _ := newServer(t, &fakeRelay{}, WithPublishableKey("pk"))

	_, err := backend.New(srv.URL+ChatPath, "wrong").Stream(context.Background(), nil)
	var apiErr *backend.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Unauthorized", apiErr.Message)
}

func TestChatUpstreamErrors(t *testing.T) {
	upstream := func(code int) error {
		return fmt.Errorf("API returned unexpected status code: %d: nope", code)
	}
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"rate limited", upstream(429), http.StatusTooManyRequests, llm.RateLimitedMessage},
		{"payment required", upstream(402), http.StatusPaymentRequired, llm.UnavailableMessage},
		{"gateway down", upstream(502), http.StatusInternalServerError, llm.TroubleMessage},
		{"missing token", llm.ErrMissingToken, http.StatusInternalServerError, "gateway token is not configured"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, &fakeRelay{err: tt.err})

			_, err := backend.New(srv.URL+ChatPath, "pk").Stream(context.Background(), nil)
			var apiErr *backend.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.wantStatus, apiErr.Status)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestChatLocalRateLimit(t *testing.T) {
	srv, _ := newServer(t, &fakeRelay{chunks: []string{"ok"}}, WithRateLimit(1))

	first, err := http.Post(srv.URL+ChatPath, "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.Post(srv.URL+ChatPath, "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, llm.RateLimitedMessage, decodeError(t, second))
}

func TestChatRejectsBadBody(t *testing.T) {
	srv, _ := newServer(t, &fakeRelay{})

	resp, err := http.Post(srv.URL+ChatPath, "application/json", strings.NewReader(`{"messages":`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOversizedBodiesAreRejected(t *testing.T) {
	relay := &fakeRelay{chunks: []string{"never"}}
	routes := NewHandler(newTestStore(t), relay, nil).Routes()
	filler := strings.Repeat("a", MaxBodyBytes)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"chat", ChatPath, `{"messages":[{"role":"user","content":"` + filler + `"}]}`},
		{"period log", "/api/period-logs?user_id=alice", `{"notes":"` + filler + `"}`},
		{"mood entry", "/api/mood-entries?user_id=alice", `{"notes":"` + filler + `"}`},
		{"rename", "/api/conversations/update?user_id=alice&conversation_id=c1", `{"title":"` + filler + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodPost
			if tt.name == "rename" {
				method = http.MethodPut
			}
			rec := httptest.NewRecorder()
			routes.ServeHTTP(rec, httptest.NewRequest(method, tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		})
	}
	assert.Nil(t, relay.got)
}

func TestConversationEndpoints(t *testing.T) {
	srv, store := newServer(t, &fakeRelay{})
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "alice", "I'm stressed")
	require.NoError(t, err)
	msg := models.StoredMessage{UserID: "alice", ConversationID: conv.ID, Role: models.RoleUser, Content: "I'm stressed"}
	require.NoError(t, store.SaveMessage(ctx, &msg))
	_, err = store.CreateConversation(ctx, "bob", "bob's")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/api/conversations?user_id=alice")
	require.NoError(t, err)
	var convs []models.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&convs))
	resp.Body.Close()
	require.Len(t, convs, 1)
	assert.Equal(t, conv.ID, convs[0].ID)

	resp, err = http.Get(srv.URL + "/api/messages?user_id=alice&conversation_id=" + conv.ID)
	require.NoError(t, err)
	var msgs []models.StoredMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	resp.Body.Close()
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)

	req, _ := http.NewRequest(http.MethodPut,
		srv.URL+"/api/conversations/update?user_id=alice&conversation_id="+conv.ID,
		strings.NewReader(`{"title":"work stress"}`))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodPut,
		srv.URL+"/api/conversations/update?user_id=bob&conversation_id="+conv.ID,
		strings.NewReader(`{"title":"mine now"}`))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete,
		srv.URL+"/api/conversations/delete?user_id=alice&conversation_id="+conv.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	left, err := store.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestEndpointsRequireUser(t *testing.T) {
	srv, _ := newServer(t, &fakeRelay{})

	for _, path := range []string{"/api/conversations", "/api/messages", "/api/period-logs", "/api/mood-entries"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestPeriodLogEndpoint(t *testing.T) {
	srv, _ := newServer(t, &fakeRelay{})
	url := srv.URL + "/api/period-logs?user_id=alice"

	resp, err := http.Post(url, "application/json",
		strings.NewReader(`{"log_date":"2025-03-01","flow_intensity":"medium","symptoms":["cramps"],"moods":[]}`))
	require.NoError(t, err)
	var saved models.PeriodLog
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&saved))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, "alice", saved.UserID)

	resp, err = http.Post(url, "application/json", strings.NewReader(`{"log_date":"2025-03-01","flow_intensity":"torrential"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(url, "application/json", strings.NewReader(`{"log_date":"March 1st"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(url)
	require.NoError(t, err)
	var logs []models.PeriodLog
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&logs))
	resp.Body.Close()
	require.Len(t, logs, 1)
	assert.Equal(t, []string{"cramps"}, logs[0].Symptoms)

	req, _ := http.NewRequest(http.MethodDelete, url+"&date=2025-03-01", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMoodEntryEndpoint(t *testing.T) {
	srv, store := newServer(t, &fakeRelay{})
	url := srv.URL + "/api/mood-entries?user_id=alice"

	resp, err := http.Post(url, "application/json",
		strings.NewReader(`{"entry_date":"2025-03-01","mood_score":4,"mood_label":"good","energy_level":0}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(url, "application/json",
		strings.NewReader(`{"entry_date":"2025-03-01","mood_score":9,"mood_label":"ecstatic"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	entries, err := store.ListMoodEntries(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].EnergyLevel)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newServer(t, &fakeRelay{chunks: []string{"hi"}})

	resp, err := http.Post(srv.URL+ChatPath, "application/json", strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `luna_chat_streams_total{outcome="ok"} 1`)
	assert.Contains(t, string(raw), `luna_http_requests_total{code="200",route="chat"} 1`)
}
