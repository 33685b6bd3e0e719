package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/vocalis/internal/calibration"
	"github.com/MrWong99/vocalis/internal/config"
	"github.com/MrWong99/vocalis/internal/cycle"
	"github.com/MrWong99/vocalis/internal/feed"
	"github.com/MrWong99/vocalis/pkg/audio/mock"
)

type testApp struct {
	app   *App
	srv   *httptest.Server
	store *calibration.MemoryStore
	clock *fakeClock
}

func newTestApp(t *testing.T, opts ...Option) *testApp {
	t.Helper()
	clk := newFakeClock()
	store := calibration.NewMemoryStore()
	m, _ := newTestMetrics(t)
	base := []Option{
		WithStore(store),
		WithSource(&mock.Source{Rate: 48000}),
		WithMetrics(m),
		WithSessionOptions(cycle.WithManualClock(clk.Now)),
	}
	a, err := New(context.Background(), config.Default(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = a.Shutdown(context.Background())
	})
	return &testApp{app: a, srv: srv, store: store, clock: clk}
}

func (ta *testApp) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ta.srv.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

func TestApp_SessionRoutes(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	code, body := ta.do(t, "POST", "/v1/session", `{"mode":"extended","cycles":2}`)
	if code != http.StatusCreated {
		t.Fatalf("start = %d %s, want 201", code, body)
	}
	info := decode[SessionInfo](t, body)
	if info.ID == "" || info.Mode != cycle.Extended {
		t.Errorf("info = %+v", info)
	}

	code, body = ta.do(t, "GET", "/v1/session", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	// Stage and phase are write-only wire names.
	st := decode[struct {
		Session *SessionInfo `json:"session"`
		State   struct {
			Stage string `json:"stage"`
		} `json:"state"`
	}](t, body)
	if st.Session == nil || st.Session.ID != info.ID {
		t.Errorf("status session = %+v, want %q", st.Session, info.ID)
	}
	if st.State.Stage != cycle.StagePractice.String() {
		t.Errorf("stage = %q, want practice", st.State.Stage)
	}

	for _, bad := range []string{`{"mode":"turbo","cycles":1}`, `{"cycles":-2}`, `{"cycle":3}`, `not json`} {
		if code, _ := ta.do(t, "POST", "/v1/session", bad); code != http.StatusBadRequest {
			t.Errorf("POST %s = %d, want 400", bad, code)
		}
	}

	if code, _ := ta.do(t, "DELETE", "/v1/session", ""); code != http.StatusNoContent {
		t.Errorf("stop = %d, want 204", code)
	}
	if code, _ := ta.do(t, "DELETE", "/v1/session", ""); code != http.StatusNotFound {
		t.Errorf("second stop = %d, want 404", code)
	}
}

func TestApp_SessionDefaultsToConfiguredMode(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	code, body := ta.do(t, "POST", "/v1/session", `{"duration_seconds":60}`)
	if code != http.StatusCreated {
		t.Fatalf("start = %d %s", code, body)
	}
	if info := decode[SessionInfo](t, body); info.Mode != cycle.Traditional {
		t.Errorf("mode = %v, want traditional", info.Mode)
	}
}

func TestApp_CalibrationRoutes(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	if code, _ := ta.do(t, "GET", "/v1/calibration/profile", ""); code != http.StatusNotFound {
		t.Errorf("profile before calibration = %d, want 404", code)
	}

	code, body := ta.do(t, "POST", "/v1/calibration", "")
	if code != http.StatusAccepted {
		t.Fatalf("start = %d %s, want 202", code, body)
	}
	runID := decode[map[string]string](t, body)["run_id"]
	if runID == "" {
		t.Error("no run_id in response")
	}
	if code, _ := ta.do(t, "POST", "/v1/calibration", ""); code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", code)
	}

	_, body = ta.do(t, "GET", "/v1/calibration", "")
	st := decode[struct {
		Active bool   `json:"active"`
		RunID  string `json:"run_id"`
	}](t, body)
	if !st.Active || st.RunID != runID {
		t.Errorf("status = %+v, want active %q", st, runID)
	}

	if code, _ := ta.do(t, "DELETE", "/v1/calibration", ""); code != http.StatusNoContent {
		t.Errorf("cancel = %d, want 204", code)
	}
	if code, _ := ta.do(t, "DELETE", "/v1/calibration", ""); code != http.StatusNotFound {
		t.Errorf("second cancel = %d, want 404", code)
	}

	if err := ta.store.Save(context.Background(), config.DefaultUserID, testProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	code, body = ta.do(t, "GET", "/v1/calibration/profile", "")
	if code != http.StatusOK {
		t.Fatalf("profile = %d, want 200", code)
	}
	if p := decode[calibration.Profile](t, body); p.AhRatio != testProfile().AhRatio {
		t.Errorf("profile AhRatio = %.2f", p.AhRatio)
	}
}

func TestApp_LoadsStoredProfileAtStartup(t *testing.T) {
	t.Parallel()
	store := calibration.NewMemoryStore()
	if err := store.Save(context.Background(), config.DefaultUserID, testProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	a, err := New(context.Background(), config.Default(),
		WithStore(store),
		WithSource(&mock.Source{Rate: 48000}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if a.engine.Classifier().Calibration() == nil {
		t.Error("stored profile not installed at startup")
	}
}

func TestApp_AnalysisRoutes(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	if code, _ := ta.do(t, "POST", "/v1/analysis/pause", ""); code != http.StatusOK {
		t.Errorf("pause = %d", code)
	}
	if !ta.app.engine.Paused() {
		t.Error("engine not paused")
	}
	if code, _ := ta.do(t, "POST", "/v1/analysis/resume", ""); code != http.StatusOK {
		t.Errorf("resume = %d", code)
	}
	if ta.app.engine.Paused() {
		t.Error("engine still paused")
	}
	if code, _ := ta.do(t, "GET", "/v1/snapshot", ""); code != http.StatusOK {
		t.Errorf("snapshot = %d", code)
	}
}

func TestApp_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "vocalis_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	ta := newTestApp(t, WithGatherer(reg))

	if code, _ := ta.do(t, "GET", "/healthz", ""); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	if code, body := ta.do(t, "GET", "/readyz", ""); code != http.StatusOK {
		t.Errorf("readyz = %d %s", code, body)
	}
	code, body := ta.do(t, "GET", "/metrics", "")
	if code != http.StatusOK || !bytes.Contains(body, []byte("vocalis_test_total 1")) {
		t.Errorf("metrics = %d %s", code, body)
	}
	// Ingest only exists for the built-in buffer.
	if code, _ := ta.do(t, "GET", "/v1/ingest", ""); code != http.StatusNotFound {
		t.Errorf("ingest with injected source = %d, want 404", code)
	}
}

func TestApp_IngestReadiness(t *testing.T) {
	t.Parallel()
	a, err := New(context.Background(), config.Default(), WithStore(calibration.NewMemoryStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "degraded" {
		t.Errorf("readyz = %d %q, want 200 degraded", resp.StatusCode, body.Status)
	}
	if _, ok := body.Checks["ingest"]; !ok {
		t.Errorf("checks = %v, want an ingest entry", body.Checks)
	}
}

func TestApp_FeedStreamsSessionEvents(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ta.srv.URL, "http") + "/v1/feed"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	read := func() feed.Message {
		t.Helper()
		_, b, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		return decode[feed.Message](t, b)
	}
	if msg := read(); msg.Kind != feed.KindHello {
		t.Fatalf("first message = %q, want hello", msg.Kind)
	}

	code, body := ta.do(t, "POST", "/v1/session", `{"cycles":1}`)
	if code != http.StatusCreated {
		t.Fatalf("start = %d", code)
	}
	info := decode[SessionInfo](t, body)

	msg := read()
	if msg.Kind != feed.KindPhase || msg.Session != info.ID {
		t.Errorf("message = %q session %q, want phase for %q", msg.Kind, msg.Session, info.ID)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	lv := new(slog.LevelVar)
	ta := newTestApp(t, WithLevelVar(lv))

	next := config.Default()
	next.Server.LogLevel = config.LogDebug
	next.Pitch.TargetFrequency = 110
	next.Pitch.ToleranceCents = 25
	next.Coherence.ExpectedVariance = 9
	diff := config.Diff(config.Default(), next)
	ta.app.Reload(config.Default(), next, diff)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lv.Level())
	}
	if got := ta.app.engine.Pitch().TargetFrequency(); got != 110 {
		t.Errorf("target frequency = %v, want 110", got)
	}
}

func TestNew_StoreErrors(t *testing.T) {
	t.Parallel()
	_, err := New(context.Background(), config.Default(), WithRegistry(config.NewRegistry()))
	if !errors.Is(err, config.ErrStoreNotRegistered) {
		t.Errorf("err = %v, want ErrStoreNotRegistered", err)
	}
}

func TestBuildStore_SkipsBrokenBackend(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	RegisterBuiltinStores(reg)
	reg.Register("broken", func(context.Context, config.StoreEntry) (calibration.Store, error) {
		return nil, errors.New("unreachable")
	})
	m, reader := newTestMetrics(t)
	cfg := config.Default().Calibration
	cfg.Stores = []config.StoreEntry{{Name: "broken"}, {Name: config.StoreFile, Dir: t.TempDir()}}

	set, err := buildStore(context.Background(), reg, cfg, m, slog.Default())
	if err != nil {
		t.Fatalf("buildStore: %v", err)
	}
	ctx := context.Background()
	if err := set.store.Save(ctx, "bob", testProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	p, err := set.store.Load(ctx, "bob")
	if err != nil || p == nil {
		t.Fatalf("Load = %v, %v", p, err)
	}
	if got := sumValue(t, reader, "vocalis.store.operations"); got != 2 {
		t.Errorf("store operations = %d, want 2", got)
	}

	var names []string
	for _, c := range set.checks {
		names = append(names, c.Name)
	}
	if len(names) != 1 || names[0] != "stores" {
		t.Errorf("checks = %v, want [stores]", names)
	}
}

func TestBuildStore_AllBroken(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	cfg := config.Default().Calibration
	cfg.Stores = []config.StoreEntry{{Name: "postgres", DSN: "x"}}
	if _, err := buildStore(context.Background(), reg, cfg, nil, slog.Default()); err == nil {
		t.Error("buildStore succeeded without any backend")
	}
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		opts    map[string]any
		wantErr bool
	}{
		{"default", nil, false},
		{"valid", map[string]any{"connect_timeout": "3s"}, false},
		{"not a string", map[string]any{"connect_timeout": 3}, true},
		{"garbage", map[string]any{"connect_timeout": "soon"}, true},
		{"negative", map[string]any{"connect_timeout": "-1s"}, true},
	}
	for _, tc := range tests {
		_, err := connectTimeout(config.StoreEntry{Options: tc.opts})
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
		}
	}
}

func TestApp_ServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ta.app.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, "server answers /healthz")

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
}
