package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/LeventeLantos/sms-relay/internal/approval"
	"github.com/LeventeLantos/sms-relay/internal/cache"
	"github.com/LeventeLantos/sms-relay/internal/ledger"
	"github.com/LeventeLantos/sms-relay/internal/model"
	"github.com/LeventeLantos/sms-relay/internal/repo/repotest"
	"github.com/LeventeLantos/sms-relay/internal/service"
	"github.com/LeventeLantos/sms-relay/internal/subscription"
)

const (
	apiKey        = "test-key"
	signingSecret = "shh"
	systemNumber  = "+15559990000"
	testRecipient = "+15551230000"
	channelID     = "C0PROPOSALS"
)

var fixedNow = time.Unix(1700000000, 0)

type sentSMS struct {
	to, body string
}

type fakeCarrier struct {
	mu     sync.Mutex
	sent   []sentSMS
	failOn string
}

func (f *fakeCarrier) Send(ctx context.Context, from, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentSMS{to: to, body: body})
	if f.failOn != "" && f.failOn == to {
		return "", errors.New("carrier rejected")
	}
	return "SM1", nil
}

func (f *fakeCarrier) calls() []sentSMS {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentSMS, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeChat struct {
	mu        sync.Mutex
	posts     int
	reactions []string
}

func (f *fakeChat) PostMessage(ctx context.Context, channel, text string, blocks any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts++
	return "1700000000.999999", nil
}

func (f *fakeChat) DeleteMessage(ctx context.Context, channel, ts string) error { return nil }

func (f *fakeChat) AddReaction(ctx context.Context, channel, ts, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, name)
	return nil
}

type testEnv struct {
	store   *repotest.Store
	carrier *fakeCarrier
	chat    *fakeChat
	h       *Handler
	mux     http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := zap.NewNop()
	store := repotest.NewStore()
	carrier := &fakeCarrier{}
	chat := &fakeChat{}

	writer := ledger.NewWriter(store, log)
	sender := service.NewSender(carrier, writer, systemNumber, log)
	repos := store.Repos()
	bcast := service.NewBroadcaster(repos.Subscribers, sender, testRecipient, log)
	inbound := subscription.NewHandler(repos.Subscribers, writer, sender,
		subscription.Keywords{Subscribe: "join", Unsubscribe: "stop"}, systemNumber, log)
	workflow := approval.NewWorkflow(chat, bcast, cache.NewMemoryClaims(time.Hour),
		approval.Options{Channel: channelID, Denylist: []string{"U0BOT"}}, log)

	h := NewHandler(Deps{
		Subscribers:  repos.Subscribers,
		Messages:     repos.Messages,
		Confirmer:    sender,
		Broadcaster:  bcast,
		Inbound:      inbound,
		Proposals:    workflow,
		SystemNumber: systemNumber,
		Log:          log,
	})

	return &testEnv{
		store:   store,
		carrier: carrier,
		chat:    chat,
		h:       h,
		mux: Router(h, RouterConfig{
			APIKeys:            []string{"other", apiKey},
			SlackSigningSecret: signingSecret,
			Now:                func() time.Time { return fixedNow },
		}),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if _, ok := body.(string); !ok && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		if v == "" {
			req.Header.Del(k)
			continue
		}
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

// wait drains the Slack work that runs after the response.
func (e *testEnv) wait(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.h.Wait(ctx); err != nil {
		t.Fatalf("detached work did not finish: %v", err)
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/health", nil, map[string]string{"Authorization": ""})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if got := decodeJSON(t, rr)["ok"]; got != true {
		t.Fatalf("expected ok=true, got %v", got)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic " + apiKey},
		{"unknown key", "Bearer nope"},
		{"empty bearer", "Bearer "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, http.MethodGet, "/users", nil, map[string]string{"Authorization": tc.header})
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
			}
			m := decodeJSON(t, rr)
			if m["status"] != "error" || m["message"] != "Unauthorized" {
				t.Fatalf("unexpected body: %v", m)
			}
		})
	}
}

func TestSubscribe_NormalizesActivatesAndConfirms(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/subscribe", map[string]string{"phone": "4087977416"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d body=%q", http.StatusOK, rr.Code, rr.Body.String())
	}

	m := decodeJSON(t, rr)
	if m["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", m["status"])
	}
	sub, ok := m["message"].(map[string]any)
	if !ok {
		t.Fatalf("expected subscriber object, got %T", m["message"])
	}
	if sub["phoneNumber"] != "+14087977416" || sub["active"] != true {
		t.Fatalf("unexpected subscriber: %v", sub)
	}

	msgs := env.store.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 confirmation message, got %d", len(msgs))
	}
	if msgs[0].Content != service.DefaultSubscribeMessage {
		t.Fatalf("unexpected confirmation content %q", msgs[0].Content)
	}

	calls := env.carrier.calls()
	if len(calls) != 1 || calls[0].to != "+14087977416" {
		t.Fatalf("expected one carrier send to subscriber, got %+v", calls)
	}
}

func TestSubscribe_AcceptsFormBody(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/subscribe", "phone=%2B1+408+797+7416", map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d body=%q", http.StatusOK, rr.Code, rr.Body.String())
	}
	if _, ok := env.store.Subscriber("+14087977416"); !ok {
		t.Fatalf("expected subscriber to be stored")
	}
}

func TestSubscribe_InvalidPhone(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/subscribe", map[string]string{"phone": "797-7416"}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if got := decodeJSON(t, rr)["message"]; got != "Invalid US phone number" {
		t.Fatalf("unexpected message %v", got)
	}
	if env.store.SubscriberCount() != 0 {
		t.Fatalf("no subscriber must be created")
	}
}

func TestSubscribe_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.Err = errors.New("db down")

	rr := env.do(t, http.MethodPost, "/subscribe", map[string]string{"phone": "4087977416"}, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
	if msg, _ := decodeJSON(t, rr)["message"].(string); !strings.Contains(msg, "db down") {
		t.Fatalf("expected store error in message, got %q", msg)
	}
}

func TestListUsers(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed("+15550000001", true)
	env.store.Seed("+15550000002", false)

	rr := env.do(t, http.MethodGet, "/users", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	users, ok := decodeJSON(t, rr)["users"].([]any)
	if !ok || len(users) != 2 {
		t.Fatalf("expected 2 users, got %v", decodeJSON(t, rr)["users"])
	}
	first := users[0].(map[string]any)
	for _, k := range []string{"id", "phoneNumber", "active", "createdAt", "updatedAt"} {
		if _, ok := first[k]; !ok {
			t.Fatalf("expected key %q in user %v", k, first)
		}
	}
}

func TestListUsers_StoreFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.Err = errors.New("db down")

	rr := env.do(t, http.MethodGet, "/users", nil, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
	if got := decodeJSON(t, rr)["message"]; got != "Failed to get users" {
		t.Fatalf("unexpected message %v", got)
	}
}

func TestSend_RequiresMessage(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/send", map[string]string{"message": "  "}, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if got := decodeJSON(t, rr)["message"]; got != "Message body is required" {
		t.Fatalf("unexpected message %v", got)
	}
}

func TestSend_ProductionReachesEveryActiveSubscriber(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed("+15550000001", true)
	env.store.Seed("+15550000002", true)
	env.store.Seed("+15550000003", true)
	env.store.Seed("+15550000004", false)

	rr := env.do(t, http.MethodPost, "/send", map[string]string{"message": "doors open"}, map[string]string{"x-production": "true"})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d body=%q", http.StatusOK, rr.Code, rr.Body.String())
	}

	m := decodeJSON(t, rr)
	if m["message"] != "Message sent to 3 users" || m["production"] != true {
		t.Fatalf("unexpected body %v", m)
	}

	calls := env.carrier.calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 carrier sends, got %d", len(calls))
	}
	seen := map[string]bool{}
	for _, c := range calls {
		if seen[c.to] {
			t.Fatalf("duplicate send to %s", c.to)
		}
		seen[c.to] = true
	}
	if seen["+15550000004"] {
		t.Fatalf("inactive subscriber must not be contacted")
	}
	if got := len(env.store.Messages()); got != 3 {
		t.Fatalf("expected 3 ledger rows, got %d", got)
	}
}

func TestSend_NonProductionTargetsTestRecipient(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed("+15550000001", true)

	rr := env.do(t, http.MethodPost, "/send", map[string]string{"message": "doors open"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	m := decodeJSON(t, rr)
	if m["message"] != "Message sent to 1 users" || m["production"] != false {
		t.Fatalf("unexpected body %v", m)
	}

	calls := env.carrier.calls()
	if len(calls) != 1 || calls[0].to != testRecipient || calls[0].body != "[TEST MODE] doors open" {
		t.Fatalf("unexpected carrier calls %+v", calls)
	}
}

func TestSend_PartialFailureReportsProgress(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed("+15550000001", true)
	env.store.Seed("+15550000002", true)
	env.store.Seed("+15550000003", true)
	env.carrier.failOn = "+15550000002"

	rr := env.do(t, http.MethodPost, "/send", map[string]string{"message": "hi"}, map[string]string{"x-production": "true"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}

	m := decodeJSON(t, rr)
	if m["status"] != "error" {
		t.Fatalf("expected error status, got %v", m["status"])
	}
	if m["sent"] != float64(1) || m["total"] != float64(3) {
		t.Fatalf("expected sent=1 total=3, got %v/%v", m["sent"], m["total"])
	}
}

func TestListMessages_NewestFirstWithSummaries(t *testing.T) {
	env := newTestEnv(t)

	_ = env.do(t, http.MethodPost, "/subscribe", map[string]string{"phone": "4087977416"}, nil)
	_ = env.do(t, http.MethodPost, "/send", map[string]string{"message": "second"}, nil)

	rr := env.do(t, http.MethodGet, "/messages", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	var body struct {
		Status   string          `json:"status"`
		Messages []model.Message `json:"messages"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Content != "[TEST MODE] second" {
		t.Fatalf("expected newest first, got %q", body.Messages[0].Content)
	}
	if body.Messages[0].Sender == nil || body.Messages[0].Sender.PhoneNumber != systemNumber {
		t.Fatalf("expected sender summary, got %+v", body.Messages[0].Sender)
	}
}

func TestConversation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/messages/+14087977416", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d before any exchange, got %d", http.StatusNotFound, rr.Code)
	}
	if got := decodeJSON(t, rr)["message"]; got != "User not found" {
		t.Fatalf("unexpected message %v", got)
	}

	_ = env.do(t, http.MethodPost, "/subscribe", map[string]string{"phone": "4087977416"}, nil)
	_ = env.do(t, http.MethodPost, "/send", map[string]string{"message": "other"}, nil)

	rr = env.do(t, http.MethodGet, "/messages/"+url.PathEscape("+14087977416"), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d body=%q", http.StatusOK, rr.Code, rr.Body.String())
	}

	msgs, _ := decodeJSON(t, rr)["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected only the subscriber conversation, got %d messages", len(msgs))
	}

	rr = env.do(t, http.MethodGet, "/messages/abc", nil, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d for invalid phone, got %d", http.StatusBadRequest, rr.Code)
	}
}

func postInbound(env *testEnv, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)
	return rr
}

func TestInbound_StopDeactivatesSubscriber(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed("+14087977416", true)

	rr := postInbound(env, url.Values{"Body": {"stop"}, "From": {"+14087977416"}, "To": {systemNumber}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "<Response></Response>") {
		t.Fatalf("expected empty TwiML, got %q", rr.Body.String())
	}

	sub, _ := env.store.Subscriber("+14087977416")
	if sub.Active {
		t.Fatalf("expected subscriber to be inactive")
	}
	if got := len(env.store.Messages()); got != 1 {
		t.Fatalf("expected 1 inbound message, got %d", got)
	}
}

func TestInbound_AlwaysReturns200(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed("+14087977416", true)
	env.store.Err = errors.New("db down")

	rr := postInbound(env, url.Values{"Body": {"stop"}, "From": {"+14087977416"}, "To": {systemNumber}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d on store failure, got %d", http.StatusOK, rr.Code)
	}

	env.store.Err = nil
	rr = postInbound(env, url.Values{"Body": {"hi"}, "From": {"not-a-number"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d on invalid sender, got %d", http.StatusOK, rr.Code)
	}
}

func signedSlackRequest(t *testing.T, path, contentType, body string, ts time.Time) *http.Request {
	t.Helper()

	stamp := formatUnix(ts)
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(slackTimestampHeader, stamp)
	req.Header.Set(slackSignatureHeader, signSlackBody(signingSecret, stamp, []byte(body)))
	return req
}

func formatUnix(ts time.Time) string {
	return strconv.FormatInt(ts.Unix(), 10)
}

func TestSlackEvents_Signature(t *testing.T) {
	env := newTestEnv(t)
	body := `{"type":"url_verification","challenge":"abc123"}`

	t.Run("valid", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, signedSlackRequest(t, "/slack/events", "application/json", body, fixedNow))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
		}
		if got := decodeJSON(t, rr)["challenge"]; got != "abc123" {
			t.Fatalf("expected challenge echo, got %v", got)
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		req := signedSlackRequest(t, "/slack/events", "application/json", body, fixedNow)
		req.Body = http.NoBody
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
		}
	})

	t.Run("stale timestamp", func(t *testing.T) {
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, signedSlackRequest(t, "/slack/events", "application/json", body, fixedNow.Add(-10*time.Minute)))
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
		}
	})
}

func TestSlackEvents_MessagePostsProposal(t *testing.T) {
	env := newTestEnv(t)

	body := `{"type":"event_callback","event":{"type":"message","user":"U1","text":"hello","ts":"1.1","channel":"C0PROPOSALS"}}`
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, signedSlackRequest(t, "/slack/events", "application/json", body, fixedNow))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	env.wait(t)
	if env.chat.posts != 1 {
		t.Fatalf("expected one proposal card, got %d", env.chat.posts)
	}

	// Own messages never become proposals.
	body = `{"type":"event_callback","event":{"type":"message","user":"U0BOT","text":"Do you want to send this message?","ts":"1.2","channel":"C0PROPOSALS"}}`
	rr = httptest.NewRecorder()
	env.mux.ServeHTTP(rr, signedSlackRequest(t, "/slack/events", "application/json", body, fixedNow))
	env.wait(t)
	if env.chat.posts != 1 {
		t.Fatalf("expected bot message to be ignored, got %d cards", env.chat.posts)
	}

	// Retries are acknowledged but not processed again.
	body = `{"type":"event_callback","event":{"type":"message","user":"U1","text":"hello","ts":"1.1","channel":"C0PROPOSALS"}}`
	req := signedSlackRequest(t, "/slack/events", "application/json", body, fixedNow)
	req.Header.Set("X-Slack-Retry-Num", "1")
	rr = httptest.NewRecorder()
	env.mux.ServeHTTP(rr, req)
	env.wait(t)
	if rr.Code != http.StatusOK || env.chat.posts != 1 {
		t.Fatalf("expected retry to be ignored, code=%d posts=%d", rr.Code, env.chat.posts)
	}
}

func actionForm(t *testing.T, actionID string, p model.Proposal) string {
	t.Helper()

	value, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal proposal: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"type":    "block_actions",
		"user":    map[string]string{"id": "U2"},
		"channel": map[string]string{"id": channelID},
		"message": map[string]string{"ts": "1700000000.999999"},
		"actions": []map[string]string{{"action_id": actionID, "value": string(value)}},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return url.Values{"payload": {string(payload)}}.Encode()
}

func TestSlackActions_SendBroadcastsOnce(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed("+15550000001", true)
	env.store.Seed("+15550000002", true)

	form := actionForm(t, approval.ActionSend, model.Proposal{TS: "1.1", Text: "Live: <https://madebycounter.com/live|watch>", User: "U1"})

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		env.mux.ServeHTTP(rr, signedSlackRequest(t, "/slack/actions", "application/x-www-form-urlencoded", form, fixedNow))
		if rr.Code != http.StatusOK {
			t.Fatalf("click %d: expected status %d, got %d", i, http.StatusOK, rr.Code)
		}
	}
	env.wait(t)

	calls := env.carrier.calls()
	if len(calls) != 2 {
		t.Fatalf("expected one broadcast to 2 subscribers, got %d sends", len(calls))
	}
	if calls[0].body != "Live: https://madebycounter.com/live" {
		t.Fatalf("expected cleaned text, got %q", calls[0].body)
	}
	if len(env.chat.reactions) != 1 || env.chat.reactions[0] != approval.ReactionSent {
		t.Fatalf("expected single success reaction, got %v", env.chat.reactions)
	}
}

func TestSlackActions_Cancel(t *testing.T) {
	env := newTestEnv(t)
	env.store.Seed("+15550000001", true)

	form := actionForm(t, approval.ActionCancel, model.Proposal{TS: "1.1", User: "U1"})
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, signedSlackRequest(t, "/slack/actions", "application/x-www-form-urlencoded", form, fixedNow))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	env.wait(t)
	if len(env.carrier.calls()) != 0 {
		t.Fatalf("cancel must not send")
	}
	if len(env.chat.reactions) != 1 || env.chat.reactions[0] != approval.ReactionCancelled {
		t.Fatalf("expected cancel reaction, got %v", env.chat.reactions)
	}
}

func TestSlackActions_BadPayload(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{"payload": {"{not json"}}.Encode()
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, signedSlackRequest(t, "/slack/actions", "application/x-www-form-urlencoded", form, fixedNow))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

type blockingWorkflow struct {
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func newBlockingWorkflow() *blockingWorkflow {
	return &blockingWorkflow{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
}

func (b *blockingWorkflow) HandleMessage(ctx context.Context, m approval.ChatMessage) error {
	return nil
}

func (b *blockingWorkflow) HandleAction(ctx context.Context, a approval.Action) error {
	b.started <- struct{}{}
	<-b.release
	b.ctxErr <- ctx.Err()
	return nil
}

func TestSlackActions_ResponseCompletesBeforeLongBroadcast(t *testing.T) {
	wf := newBlockingWorkflow()
	h := NewHandler(Deps{Proposals: wf, Log: zap.NewNop()})
	srv := httptest.NewServer(Router(h, RouterConfig{
		APIKeys:            []string{apiKey},
		SlackSigningSecret: signingSecret,
		Now:                func() time.Time { return fixedNow },
	}))
	defer srv.Close()

	form := actionForm(t, approval.ActionSend, model.Proposal{TS: "1.1", Text: "hello", User: "U1"})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/slack/actions", strings.NewReader(form))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	stamp := formatUnix(fixedNow)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(slackTimestampHeader, stamp)
	req.Header.Set(slackSignatureHeader, signSlackBody(signingSecret, stamp, []byte(form)))

	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed while the action was still running: %v", err)
	}
	if _, err := io.ReadAll(resp.Body); err != nil {
		t.Fatalf("reading full response: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	select {
	case <-wf.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("action was never started")
	}

	// Still running: Wait must not return early.
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected Wait to time out while the action runs, got %v", err)
	}

	// The client is gone; the action must keep a live context.
	srv.CloseClientConnections()
	close(wf.release)

	ctx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}
	if err := <-wf.ctxErr; err != nil {
		t.Fatalf("expected action context to outlive the request, got %v", err)
	}
}

type failingInbound struct{}

func (failingInbound) HandleInbound(ctx context.Context, in subscription.Inbound) (subscription.Outcome, error) {
	out := subscription.Outcome{Phone: "+14087977416", Decision: subscription.Decision{Active: true, Changed: true}}
	return out, errors.New("carrier down")
}

func TestInbound_FailureLogsOutcome(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewHandler(Deps{Inbound: failingInbound{}, Log: zap.New(core)})

	form := url.Values{"Body": {"join"}, "From": {"(408) 797-7416"}, "To": {systemNumber}}
	req := httptest.NewRequest(http.MethodPost, "/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.Inbound(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	entries := logs.FilterMessage("inbound processing failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 failure log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["phone"] != "+14087977416" || fields["state_changed"] != true {
		t.Fatalf("expected outcome fields in log, got %v", fields)
	}
}
