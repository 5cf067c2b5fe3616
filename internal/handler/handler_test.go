package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neurotutor/neurotutor/internal/api"
	appI18n "github.com/neurotutor/neurotutor/internal/i18n"
	"github.com/neurotutor/neurotutor/internal/model"
	"github.com/neurotutor/neurotutor/internal/store"
)

// backend fakes the auth and exercise services.
type backend struct {
	mu          sync.Mutex
	diagDone    bool
	expired     bool
	omitVerdict bool
	stepVerdict bool
	role        string
	lastSubmit  model.SubmissionRequest
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	authed := r.Header.Get("Authorization") == "Bearer tok-student" && !b.expired
	if r.URL.Path != "/api/v1/auth/login" && !authed {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch r.URL.Path {
	case "/api/v1/auth/login":
		var req model.LoginRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Email ou mot de passe incorrect"}`))
			return
		}
		w.Write([]byte(`{"token":"tok-student","userId":7,"email":"eleve@lycee.fr","firstName":"Inès","lastName":"Martin","role":"STUDENT"}`))
	case "/api/v1/auth/me":
		role := b.role
		if role == "" {
			role = "ROLE_STUDENT"
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": 7, "email": "eleve@lycee.fr", "firstName": "Inès", "lastName": "Martin",
			"role": role, "diagnosticCompleted": b.diagDone,
		})
	case "/api/v1/auth/diagnostic/complete":
		b.diagDone = true
	case "/api/v1/exercises":
		w.Write([]byte(`[{"id":"e1","title":"Équation","solution":"r = 1 ou r = -2","points":20}]`))
	case "/api/v1/exercises/e1":
		w.Write([]byte(`{"id":"e1","title":"Équation","problemStatement":"Résoudre r²+r-2=0","solution":"r = 1 ou r = -2","points":20}`))
	case "/api/v1/submissions/e1":
		json.NewDecoder(r.Body).Decode(&b.lastSubmit)
		if b.omitVerdict {
			w.Write([]byte(`{}`))
			return
		}
		if b.stepVerdict {
			w.Write([]byte(`{"correct":false,"scoreEarned":0,"aiGlobalScore":0.5,"stepsFeedback":[` +
				`{"index":0,"step":"Δ = 9","is_correct":true,"hint":null,"corrected_step":null},` +
				`{"index":1,"step":"r = 3","is_correct":false,"hint":"Recalcule la racine.","corrected_step":"r = 1"}]}`))
			return
		}
		w.Write([]byte(`{"correct":false,"scoreEarned":0}`))
	case "/api/v1/diagnostic/start":
		w.Write([]byte(`{"id":"t1","studentId":"7","questions":[{"id":"q1","questionText":"2+2","options":["3","4"]}]}`))
	case "/api/v1/diagnostic/submit/t1":
		w.Write([]byte(`{"score":0.5,"levelRecommendation":"INTERMEDIATE"}`))
	case "/api/v1/diagnostic/result/7":
		w.WriteHeader(http.StatusNotFound)
	default:
		http.NotFound(w, r)
	}
}

type fakeSteps struct{ calls int }

func (f *fakeSteps) EvaluateSteps(ctx context.Context, ex model.Exercise, final string, steps []string) ([]model.StepFeedback, error) {
	f.calls++
	out := make([]model.StepFeedback, len(steps))
	for i, s := range steps {
		out[i] = model.StepFeedback{Step: s, Correct: true, Feedback: "ok"}
	}
	return out, nil
}

type testApp struct {
	srv     *httptest.Server
	http    *http.Client
	backend *backend
	steps   *fakeSteps
	handler *Handler
}

func newTestApp(t *testing.T, cfg model.Config) *testApp {
	t.Helper()
	require.NoError(t, appI18n.Init("en"))

	be := &backend{}
	beSrv := httptest.NewServer(be)
	t.Cleanup(beSrv.Close)

	db, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	steps := &fakeSteps{}
	h, err := New(Options{
		Store:      db,
		Client:     api.New(beSrv.URL, beSrv.URL, 0),
		Steps:      steps,
		Config:     cfg,
		SealSecret: "test-secret",
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(appI18n.Middleware("en"))
	r.Use(h.BasePathMiddleware)
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &testApp{
		srv: srv,
		http: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		backend: be,
		steps:   steps,
		handler: h,
	}
}

func (a *testApp) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := a.http.Get(a.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testApp) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := a.http.Post(a.srv.URL+path, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (a *testApp) login(t *testing.T) {
	t.Helper()
	resp := a.postJSON(t, "/login", loginForm{Email: "eleve@lycee.fr", Password: "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestAnonymousRedirectsToLogin(t *testing.T) {
	app := newTestApp(t, model.Config{})

	resp := app.get(t, "/exercises?topic=suites")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login?returnTo=%2Fexercises%3Ftopic%3Dsuites", resp.Header.Get("Location"))

	resp = app.get(t, "/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/login", resp.Header.Get("Location"))

	resp = app.get(t, "/login?returnTo=/exercises")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[sessionResponse](t, resp)
	assert.Equal(t, model.StatusAnonymous, body.Status)
	assert.Equal(t, "/exercises", body.ReturnTo)
}

func TestStudentFlow(t *testing.T) {
	app := newTestApp(t, model.Config{})
	app.login(t)

	// Diagnostic pending: every student page leads to the test.
	for _, p := range []string{"/", "/exercises", "/dashboard"} {
		resp := app.get(t, p)
		assert.Equal(t, http.StatusFound, resp.StatusCode, p)
		assert.Equal(t, "/diagnostic", resp.Header.Get("Location"), p)
	}

	// Wrong role goes back to the root.
	resp := app.get(t, "/teacher")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	resp = app.postJSON(t, "/api/diagnostic/start", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	test := decode[model.DiagnosticTest](t, resp)
	require.Equal(t, "t1", test.ID)

	resp = app.postJSON(t, "/api/diagnostic/submit/t1", diagnosticSubmitRequest{Answers: []string{"4"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	diag := decode[diagnosticSubmitResponse](t, resp)
	assert.Equal(t, 50, diag.Score)
	assert.Equal(t, model.LevelIntermediate, diag.Level)
	assert.Equal(t, "/dashboard", diag.Next)

	resp = app.get(t, "/exercises")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		Page string           `json:"page"`
		Data exerciseListData `json:"data"`
	}](t, resp)
	require.Len(t, page.Data.Exercises, 1)
	assert.Empty(t, page.Data.Exercises[0].Solution, "students never see the solution")
	assert.Equal(t, "1 exercise available.", page.Data.Summary)

	resp = app.get(t, "/dashboard")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = app.postJSON(t, "/logout", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = app.get(t, "/dashboard")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
}

func TestLoginFailureShowsServerMessage(t *testing.T) {
	app := newTestApp(t, model.Config{})

	resp := app.postJSON(t, "/login", loginForm{Email: "eleve@lycee.fr", Password: "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, "Email ou mot de passe incorrect", body.Error)
}

func TestLoginIsRateLimited(t *testing.T) {
	app := newTestApp(t, model.Config{LoginPerMinute: 2})

	for range 2 {
		resp := app.postJSON(t, "/login", loginForm{Email: "eleve@lycee.fr", Password: "nope"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := app.postJSON(t, "/login", loginForm{Email: "eleve@lycee.fr", Password: "secret"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestFormLoginRedirectsToReturnTo(t *testing.T) {
	app := newTestApp(t, model.Config{})

	resp, err := app.http.PostForm(app.srv.URL+"/login", map[string][]string{
		"email":    {"eleve@lycee.fr"},
		"password": {"secret"},
		"returnTo": {"/profile"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/profile", resp.Header.Get("Location"))

	resp = app.get(t, "/profile")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFormLoginIgnoresForeignReturnTo(t *testing.T) {
	for _, rt := range []string{`/\evil.example`, "//evil.example", "https://evil.example/x"} {
		app := newTestApp(t, model.Config{})
		resp, err := app.http.PostForm(app.srv.URL+"/login", map[string][]string{
			"email":    {"eleve@lycee.fr"},
			"password": {"secret"},
			"returnTo": {rt},
		})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusSeeOther, resp.StatusCode, rt)
		assert.Equal(t, "/", resp.Header.Get("Location"), rt)
	}
}

func TestLoginThrottleIgnoresCookies(t *testing.T) {
	app := newTestApp(t, model.Config{LoginPerMinute: 2})
	post := func() int {
		t.Helper()
		fresh := &http.Client{}
		resp, err := fresh.Post(app.srv.URL+"/login", "application/json",
			strings.NewReader(`{"email":"eleve@lycee.fr","password":"nope"}`))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusUnauthorized, post())
	assert.Equal(t, http.StatusUnauthorized, post())
	assert.Equal(t, http.StatusTooManyRequests, post())
}

func TestRemoteIP(t *testing.T) {
	tests := map[string]string{
		"10.0.0.1:5555": "10.0.0.1",
		"[::1]:8090":    "::1",
		"203.0.113.9":   "203.0.113.9",
	}
	for addr, want := range tests {
		r := httptest.NewRequest(http.MethodPost, "/login", nil)
		r.RemoteAddr = addr
		assert.Equal(t, want, remoteIP(r), addr)
	}
}

func TestRolesWithoutStudentPages(t *testing.T) {
	app := newTestApp(t, model.Config{})
	app.backend.role = "ROLE_PARENT"
	app.login(t)

	resp := app.get(t, "/")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/profile", resp.Header.Get("Location"))
	resp = app.get(t, "/profile")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = app.get(t, "/dashboard")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/", resp.Header.Get("Location"))

	other := newTestApp(t, model.Config{})
	other.backend.role = "GUEST"
	other.login(t)

	resp = other.get(t, "/")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Your account has no page in this application.", decode[errorResponse](t, resp).Error)
}

func TestCookielessVisitsCreateNoClients(t *testing.T) {
	app := newTestApp(t, model.Config{})
	for range 5 {
		for _, p := range []string{"/", "/login", "/dashboard", "/session"} {
			resp := app.get(t, p)
			assert.Empty(t, resp.Cookies(), p)
		}
	}
	resp := app.postJSON(t, "/logout", struct{}{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, app.handler.guards)

	resp = app.postJSON(t, "/login", loginForm{Email: "eleve@lycee.fr", Password: "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, resp.Cookies())
	assert.Empty(t, app.handler.guards, "failed login keeps no client")

	app.login(t)
	assert.Len(t, app.handler.guards, 1)
}

func TestUnknownClientCookieIsAnonymous(t *testing.T) {
	app := newTestApp(t, model.Config{})
	id := "6f1c1d2e-4a5b-4c6d-8e7f-90a1b2c3d4e5"

	req, err := http.NewRequest(http.MethodGet, app.srv.URL+"/session", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: clientCookieName, Value: id})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusAnonymous, decode[sessionResponse](t, resp).Status)
	assert.Empty(t, app.handler.guards)
	seen, err := app.handler.store.ClientLastSeen(id)
	require.NoError(t, err)
	assert.True(t, seen.IsZero())
}

func TestCheckAnswer(t *testing.T) {
	app := newTestApp(t, model.Config{})

	resp := app.postJSON(t, "/api/answers/check", checkRequest{
		Answer:   "Δ = 9\nr = 1\nr = -2 ou",
		Expected: "r = 1 ou r = -2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[checkResponse](t, resp)
	assert.True(t, body.Correct)
	assert.Equal(t, "r = 1 ou r = -2", body.FinalAnswer)
	assert.Equal(t, "Correct answer.", body.Message)

	resp = app.postJSON(t, "/api/answers/check", checkRequest{Answer: "3"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubmitStepsUsesLocalVerdictAndStepFeedback(t *testing.T) {
	app := newTestApp(t, model.Config{StepFeedback: true})
	app.login(t)
	app.backend.mu.Lock()
	app.backend.omitVerdict = true
	app.backend.mu.Unlock()

	resp := app.postJSON(t, "/api/exercises/e1/submit", submitRequest{
		Mode:   "steps",
		Answer: "Δ = 1 + 8 = 9\nr = 1\nr = -2 ou",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[submitResponse](t, resp)
	assert.True(t, body.Correct)
	assert.Equal(t, "local", body.VerdictSource)
	assert.Equal(t, 20, body.EarnedPoints)
	assert.Len(t, body.StepsFeedback, 3)
	assert.Equal(t, 1, app.steps.calls)

	app.backend.mu.Lock()
	sent := app.backend.lastSubmit
	app.backend.mu.Unlock()
	assert.Equal(t, "eleve@lycee.fr", sent.UserID)
	assert.Equal(t, "r = 1 ou r = -2", sent.FinalAnswer)
	assert.Empty(t, sent.Answer)
}

func TestSubmitPassesServiceStepFeedbackThrough(t *testing.T) {
	app := newTestApp(t, model.Config{StepFeedback: true})
	app.login(t)
	app.backend.mu.Lock()
	app.backend.stepVerdict = true
	app.backend.mu.Unlock()

	resp := app.postJSON(t, "/api/exercises/e1/submit", submitRequest{Mode: "steps", Answer: "Δ = 9\nr = 3"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[submitResponse](t, resp)

	assert.False(t, body.Correct)
	require.NotNil(t, body.AIGlobalScore)
	assert.InDelta(t, 0.5, *body.AIGlobalScore, 1e-9)
	require.Len(t, body.StepsFeedback, 2)
	assert.Equal(t, model.StepFeedback{Index: 0, Step: "Δ = 9", Correct: true}, body.StepsFeedback[0])
	assert.Equal(t, model.StepFeedback{Index: 1, Step: "r = 3", Hint: "Recalcule la racine.", CorrectedStep: "r = 1"}, body.StepsFeedback[1])
	assert.Zero(t, app.steps.calls, "service feedback is not replaced")
}

func TestSubmitRejectsIncompleteInput(t *testing.T) {
	app := newTestApp(t, model.Config{})
	app.login(t)

	resp := app.postJSON(t, "/api/exercises/e1/submit", submitRequest{Mode: "STEPS", Answer: "je ne sais pas"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = app.postJSON(t, "/api/exercises/e1/submit", submitRequest{Mode: "SIMPLE"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExpiredTokenEndsSession(t *testing.T) {
	app := newTestApp(t, model.Config{})
	app.login(t)

	app.backend.mu.Lock()
	app.backend.expired = true
	app.backend.mu.Unlock()

	resp := app.get(t, "/profile")
	require.Equal(t, http.StatusOK, resp.StatusCode, "pages without service calls still render")

	resp = app.postJSON(t, "/api/exercises/e1/submit", submitRequest{Answer: "3"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Equal(t, "/login", body.Redirect)

	resp = app.get(t, "/session")
	sess := decode[sessionResponse](t, resp)
	assert.Equal(t, model.StatusAnonymous, sess.Status)
}

func TestAPIRequiresSession(t *testing.T) {
	app := newTestApp(t, model.Config{})

	resp := app.postJSON(t, "/api/diagnostic/start", struct{}{})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPurgeDropsIdleClients(t *testing.T) {
	app := newTestApp(t, model.Config{})
	app.login(t)
	require.Len(t, app.handler.guards, 1)

	require.NoError(t, app.handler.Purge(-time.Hour))
	assert.Empty(t, app.handler.guards)
}

func TestPurgeKeepsActiveClients(t *testing.T) {
	app := newTestApp(t, model.Config{})
	app.login(t)
	app.postJSON(t, "/login", loginForm{Email: "eleve@lycee.fr", Password: "nope"})
	require.Len(t, app.handler.limiters, 1)

	require.NoError(t, app.handler.Purge(time.Hour))
	assert.Len(t, app.handler.guards, 1)
	assert.Len(t, app.handler.limiters, 1, "limiter still draining")

	resp := app.get(t, "/diagnostic")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "session survives the purge")
}

func TestPurgeDoesNotBlockRequests(t *testing.T) {
	app := newTestApp(t, model.Config{})
	app.login(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 20 {
			if err := app.handler.Purge(time.Hour); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	for range 20 {
		resp := app.get(t, "/session")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	<-done
	assert.Len(t, app.handler.guards, 1)
}

func TestGrade(t *testing.T) {
	yes, no := true, false
	five := 5

	tests := []struct {
		name       string
		res        model.SubmissionResult
		user       string
		points     int
		wantOK     bool
		wantPoints int
		wantSource string
	}{
		{"service says correct", model.SubmissionResult{Correct: &yes}, "x", 10, true, 10, "service"},
		{"service says wrong", model.SubmissionResult{Correct: &no}, "r=1", 10, false, 0, "service"},
		{"service score wins", model.SubmissionResult{Correct: &yes, ScoreEarned: &five}, "x", 10, true, 5, "service"},
		{"local fallback", model.SubmissionResult{}, "r = 1", 0, true, 10, "local"},
		{"local wrong", model.SubmissionResult{}, "r = 3", 10, false, 0, "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, pts, src := Grade(&tt.res, tt.user, "r=1 ou r=-2", tt.points)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantPoints, pts)
			assert.Equal(t, tt.wantSource, src)
		})
	}
}

func TestSafeReturnTo(t *testing.T) {
	tests := map[string]string{
		"":                     "",
		"/exercises":           "/exercises",
		"/exercise/e1?x=1":     "/exercise/e1?x=1",
		"//evil.example":       "",
		"https://evil.example": "",
		"exercises":            "",
		"/login":               "",
		"/login?x=1":           "",
		`/\evil.example`:       "",
		`/\\evil.example`:      "",
		"/%0a":                 "",
		"/ok\r\nX: y":          "",
		"/%2F%2Fevil.example":  "",
		"/profile#top":         "/profile#top",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeReturnTo(in), in)
	}
}

func TestBuildSubmission(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		text       string
		steps      string
		wantOK     bool
		wantAnswer string
		wantReq    model.SubmissionRequest
	}{
		{
			name: "simple keeps raw text for display", mode: ModeSimple, text: "donc r = 3",
			wantOK: true, wantAnswer: "donc r = 3",
			wantReq: model.SubmissionRequest{UserID: "u", Answer: "r = 3"},
		},
		{
			name: "steps from explicit list", mode: ModeSteps, text: "r = 1 ou r = -2", steps: "Δ = 9\n\nr = 1 ou r = -2",
			wantOK: true, wantAnswer: "r = 1 ou r = -2",
			wantReq: model.SubmissionRequest{UserID: "u", FinalAnswer: "r = 1 ou r = -2", Steps: []string{"Δ = 9", "r = 1 ou r = -2"}},
		},
		{name: "simple without text", mode: ModeSimple},
		{name: "steps without steps", mode: ModeSteps, text: "aucune idée"},
		{name: "unknown mode", mode: "ORAL", text: "r = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, shown, ok := BuildSubmission(tt.mode, tt.text, tt.steps, "u")
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantAnswer, shown)
			assert.Equal(t, tt.wantReq, req)
		})
	}
}
