package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"formulation/internal/app"
	"formulation/internal/delivery"
	"formulation/pkg/answercrypt"
	"formulation/pkg/credential"
	"formulation/pkg/question"
	"formulation/pkg/store"
)

// capturePublisher records issued magic-link jobs so tests can redeem the
// raw token the way a respondent clicking the link would.
type capturePublisher struct {
	mu   sync.Mutex
	jobs []delivery.MagicLinkJob
}

func (p *capturePublisher) PublishMagicLink(_ context.Context, job delivery.MagicLinkJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) lastToken(t *testing.T) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.jobs) == 0 {
		t.Fatal("no magic link was published")
	}
	return p.jobs[len(p.jobs)-1].Token
}

type testEnv struct {
	srv       *httptest.Server
	publisher *capturePublisher
	store     *store.MemoryStore
}

func newTestEnv(t *testing.T, cfgMut ...func(*Config)) *testEnv {
	t.Helper()
	mem := store.NewMemoryStore()
	cipher, err := answercrypt.New(bytes.Repeat([]byte{0x42}, answercrypt.KeySize))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	publisher := &capturePublisher{}
	coordinator, err := app.New(app.Config{
		Tokens:    mem,
		Sessions:  mem,
		Cipher:    cipher,
		Publisher: publisher,
		TokenTTL:  15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	issuer, err := credential.New(
		[]byte("server-test-secret-0123456789abcdef"),
		time.Hour,
		credential.NewMemoryRevoker(),
		credential.Options{},
	)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	cfg := Config{Coordinator: coordinator, Credentials: issuer}
	for _, mut := range cfgMut {
		mut(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, publisher: publisher, store: mem}
}

func (e *testEnv) post(t *testing.T, path, cred string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path, cred string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// signIn drives the full magic-link flow and returns the session credential.
func (e *testEnv) signIn(t *testing.T, email string) (string, sessionPayload) {
	t.Helper()
	resp := e.post(t, "/api/auth/magic-link", "", magicLinkRequest{Email: email})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("magic link request: status %d, want 202", resp.StatusCode)
	}
	token := e.publisher.lastToken(t)
	verResp := e.post(t, "/api/auth/magic-link/verify", "", verifyRequest{Token: token})
	if verResp.StatusCode != http.StatusOK {
		t.Fatalf("verify: status %d, want 200", verResp.StatusCode)
	}
	body := decodeBody[verifyResponse](t, verResp)
	if body.Credential == "" {
		t.Fatal("verify returned empty credential")
	}
	return body.Credential, body.Session
}

func TestMagicLinkVerifyIssuesCredential(t *testing.T) {
	env := newTestEnv(t)
	cred, sess := env.signIn(t, "respondent@example.com")

	if sess.State != "active" {
		t.Fatalf("session state = %q, want active", sess.State)
	}
	if sess.Total != question.CatalogSize {
		t.Fatalf("session total = %d, want %d", sess.Total, question.CatalogSize)
	}
	if sess.CurrentQuestion == nil || sess.CurrentQuestion.ID != 1 {
		t.Fatalf("first question should be the fixed opener, got %+v", sess.CurrentQuestion)
	}

	resp := env.get(t, "/api/session", cred)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get session: status %d", resp.StatusCode)
	}
	got := decodeBody[sessionPayload](t, resp)
	if got.ID != sess.ID {
		t.Fatalf("session id mismatch: %q vs %q", got.ID, sess.ID)
	}
}

func TestMagicLinkTokenSingleUse(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/auth/magic-link", "", magicLinkRequest{Email: "once@example.com"})
	resp.Body.Close()
	token := env.publisher.lastToken(t)

	first := env.post(t, "/api/auth/magic-link/verify", "", verifyRequest{Token: token})
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first verify: status %d", first.StatusCode)
	}
	second := env.post(t, "/api/auth/magic-link/verify", "", verifyRequest{Token: token})
	second.Body.Close()
	if second.StatusCode != http.StatusUnauthorized {
		t.Fatalf("second verify: status %d, want 401", second.StatusCode)
	}
}

func TestMagicLinkRequestRejectsBadIdentity(t *testing.T) {
	env := newTestEnv(t)
	resp := env.post(t, "/api/auth/magic-link", "", magicLinkRequest{Email: "not-an-email"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestSessionRoutesRequireCredential(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/api/session", "/api/session/questions"} {
		resp := env.get(t, path, "")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s without credential: status %d, want 401", path, resp.StatusCode)
		}
		resp = env.get(t, path, "garbage-credential")
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s with garbage credential: status %d, want 401", path, resp.StatusCode)
		}
	}
}

func TestAnswerAdvancesPointer(t *testing.T) {
	env := newTestEnv(t)
	cred, sess := env.signIn(t, "walker@example.com")

	text := "the first honest thing that came to mind"
	resp := env.post(t, "/api/session/answer", cred, answerRequest{
		QuestionID: sess.CurrentQuestion.ID,
		Text:       &text,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("answer: status %d", resp.StatusCode)
	}
	got := decodeBody[sessionPayload](t, resp)
	if got.CurrentIndex != 1 {
		t.Fatalf("currentIndex = %d, want 1", got.CurrentIndex)
	}
	if got.Progress == nil || got.Progress.Answered != 1 {
		t.Fatalf("progress = %+v, want 1 answered", got.Progress)
	}

	// Answering a later question out of order fills its slot but must not
	// move the pointer past the next unanswered prompt.
	questionsResp := env.get(t, "/api/session/questions", cred)
	questions := decodeBody[struct {
		Questions    []questionPayload `json:"questions"`
		CurrentIndex int               `json:"currentIndex"`
	}](t, questionsResp)
	late := "jumping ahead"
	resp = env.post(t, "/api/session/answer", cred, answerRequest{
		QuestionID: questions.Questions[10].ID,
		Text:       &late,
	})
	got = decodeBody[sessionPayload](t, resp)
	if got.CurrentIndex != 1 {
		t.Fatalf("out-of-order answer moved pointer to %d", got.CurrentIndex)
	}
}

func TestAnswerValidation(t *testing.T) {
	env := newTestEnv(t)
	cred, _ := env.signIn(t, "careful@example.com")

	resp := env.post(t, "/api/session/answer", cred, answerRequest{QuestionID: 99})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown question: status %d, want 400", resp.StatusCode)
	}

	resp = env.post(t, "/api/session/answer", cred, answerRequest{QuestionID: 1})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty non-skip answer: status %d, want 400", resp.StatusCode)
	}
}

func TestCompleteAndSharedView(t *testing.T) {
	env := newTestEnv(t)
	cred, _ := env.signIn(t, "finisher@example.com")

	questionsResp := env.get(t, "/api/session/questions", cred)
	questions := decodeBody[struct {
		Questions []questionPayload `json:"questions"`
	}](t, questionsResp)

	early := env.post(t, "/api/session/complete", cred, completeRequest{})
	early.Body.Close()
	if early.StatusCode != http.StatusConflict {
		t.Fatalf("premature complete: status %d, want 409", early.StatusCode)
	}

	for i, q := range questions.Questions {
		var req answerRequest
		req.QuestionID = q.ID
		if i%7 == 3 {
			req.Skipped = true
		} else {
			text := fmt.Sprintf("answer to prompt %d", q.ID)
			req.Text = &text
		}
		resp := env.post(t, "/api/session/answer", cred, req)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("answer %d: status %d", q.ID, resp.StatusCode)
		}
	}

	doneResp := env.post(t, "/api/session/complete", cred, completeRequest{WantsShare: true})
	if doneResp.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d", doneResp.StatusCode)
	}
	done := decodeBody[map[string]any](t, doneResp)
	shareID, _ := done["shareId"].(string)
	if shareID == "" {
		t.Fatal("expected a share id")
	}

	sharedResp := env.get(t, "/api/shared/"+shareID, "")
	if sharedResp.StatusCode != http.StatusOK {
		t.Fatalf("shared view: status %d", sharedResp.StatusCode)
	}
	view := decodeBody[app.SharedView](t, sharedResp)
	if len(view.Answers) != question.CatalogSize {
		t.Fatalf("shared view has %d answers, want %d", len(view.Answers), question.CatalogSize)
	}
	for _, ans := range view.Answers {
		if !ans.IntegrityOK {
			t.Fatalf("answer for question %d failed integrity", ans.QuestionID)
		}
		if !ans.Skipped && ans.Answer == "" {
			t.Fatalf("answer for question %d is empty", ans.QuestionID)
		}
	}

	// Completed sessions refuse further answers.
	text := "too late"
	lateResp := env.post(t, "/api/session/answer", cred, answerRequest{QuestionID: 1, Text: &text})
	lateResp.Body.Close()
	if lateResp.StatusCode != http.StatusConflict {
		t.Fatalf("answer after completion: status %d, want 409", lateResp.StatusCode)
	}
}

func TestSharedViewUnknownID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/api/shared/no-such-share", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

func TestLogoutRevokesCredential(t *testing.T) {
	env := newTestEnv(t)
	cred, _ := env.signIn(t, "leaver@example.com")

	resp := env.post(t, "/api/auth/logout", cred, struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d, want 204", resp.StatusCode)
	}

	after := env.get(t, "/api/session", cred)
	after.Body.Close()
	if after.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked credential: status %d, want 401", after.StatusCode)
	}
}

func TestMagicLinkRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Redis = client
		cfg.MagicLinkRateLimitPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		resp := env.post(t, "/api/auth/magic-link", "", magicLinkRequest{Email: "burst@example.com"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("request %d: status %d, want 202", i+1, resp.StatusCode)
		}
	}
	resp := env.post(t, "/api/auth/magic-link", "", magicLinkRequest{Email: "burst@example.com"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.get(t, "/api/health", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", resp.StatusCode)
	}
}
