package api

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"QuantLab/internal/domain/models"
	drepo "QuantLab/internal/domain/repository"
	"QuantLab/internal/middleware"
	"QuantLab/internal/service/cache"
	"QuantLab/internal/usecase"
	"QuantLab/internal/walkforward"
	pkgcache "QuantLab/pkg/cache"
	xhttp "QuantLab/pkg/http"
	"QuantLab/pkg/queue"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)

type memBars struct{ bars []models.Bar }

func (m memBars) GetBars(_ context.Context, symbols []string, from, to time.Time, _ drepo.Timeframe) ([]models.Bar, error) {
	var out []models.Bar
	for _, b := range m.bars {
		for _, s := range symbols {
			if b.Symbol == s && !b.Timestamp.Before(from) && !b.Timestamp.After(to) {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func bars(sym string, n int) []models.Bar {
	out := make([]models.Bar, n)
	for i := range out {
		px := 100 * math.Exp(0.002*float64(i)) * (1 + 0.03*math.Sin(float64(i)/5))
		out[i] = models.Bar{Symbol: sym, Timestamp: t0.AddDate(0, 0, i), Open: px, High: px * 1.01, Low: px * 0.99, Close: px, Volume: 1e6}
	}
	return out
}

type fakeJobs struct {
	mu       sync.Mutex
	enqueued map[string]interface{}
}

func (f *fakeJobs) Enqueue(_ context.Context, msgType, id string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueued == nil {
		f.enqueued = map[string]interface{}{}
	}
	f.enqueued[id] = payload
	return nil
}

func (f *fakeJobs) Status(_ context.Context, id string) (queue.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.enqueued[id]; ok {
		return queue.StatusQueued, nil
	}
	return queue.StatusUnknown, nil
}

func newTestServer(t *testing.T, jobs queue.Publisher, hub *StreamHub) (*echo.Echo, *usecase.WalkForward) {
	t.Helper()
	mem := pkgcache.NewMemoryCache()
	t.Cleanup(func() { _ = mem.Close() })
	deps := usecase.Deps{}
	if hub != nil {
		deps.Taps = []usecase.EventTap{hub}
	}
	wf := usecase.NewWalkForward(memBars{bars: bars("AAA", 200)}, usecase.DefaultRunConfig(),
		walkforward.Config{TrainSize: 100, TestSize: 50, Workers: 2}, drepo.TF1d, deps,
		usecase.WithReportCache(cache.NewReportCache(mem, time.Hour, nil)))

	srv := xhttp.NewServer(NewBacktestEchoHandler(nil, wf, jobs, hub))
	return srv.Echo(), wf
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

type envelope[T any] struct {
	Status int `json:"status"`
	Data   T   `json:"data"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

const runBody = `{"symbols":["AAA"],"from":"2022-01-01","to":"2023-01-01","train_size":100,"test_size":50}`

func TestRunWalkForwardThenFetch(t *testing.T) {
	e, _ := newTestServer(t, nil, nil)

	rec := do(e, http.MethodPost, "/api/walkforward", runBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[models.WFReport](t, rec)
	require.NotEmpty(t, report.RunID)
	assert.Len(t, report.Folds, 2)
	for _, name := range models.StandardMetrics {
		assert.Contains(t, report.Aggregate, name)
	}

	rec = do(e, http.MethodGet, "/api/runs/"+report.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.RunID, decode[models.WFReport](t, rec).RunID)

	rec = do(e, http.MethodGet, "/api/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunWalkForwardValidation(t *testing.T) {
	e, _ := newTestServer(t, nil, nil)

	cases := map[string]struct {
		body string
		code int
	}{
		"missing symbols": {`{"from":"2022-01-01","to":"2023-01-01"}`, http.StatusBadRequest},
		"bad mode":        {`{"symbols":["AAA"],"from":"2022-01-01","to":"2023-01-01","mode":"weekly"}`, http.StatusBadRequest},
		"inverted range":  {`{"symbols":["AAA"],"from":"2023-01-01","to":"2022-01-01"}`, http.StatusBadRequest},
		"unknown symbol":  {`{"symbols":["ZZZ"],"from":"2022-01-01","to":"2023-01-01"}`, http.StatusUnprocessableEntity},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/api/walkforward", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmitWalkForwardJob(t *testing.T) {
	jobs := &fakeJobs{}
	e, _ := newTestServer(t, jobs, nil)

	rec := do(e, http.MethodPost, "/api/walkforward/jobs", runBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	acc := decode[JobAccepted](t, rec)
	require.NotEmpty(t, acc.RunID)
	assert.Equal(t, queue.StatusQueued, acc.Status)

	params, ok := jobs.enqueued[acc.RunID].(usecase.RunParams)
	require.True(t, ok)
	assert.Equal(t, acc.RunID, params.RunID)
	assert.Equal(t, 100, params.WalkForward.TrainSize)

	rec = do(e, http.MethodGet, "/api/walkforward/jobs/"+acc.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(e, http.MethodGet, "/api/walkforward/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitWithoutQueueIsUnavailable(t *testing.T) {
	e, _ := newTestServer(t, nil, nil)
	rec := do(e, http.MethodPost, "/api/walkforward/jobs", runBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestKillSwitchEndpoints(t *testing.T) {
	e, wf := newTestServer(t, nil, nil)

	rec := do(e, http.MethodPost, "/api/killswitch", `{"armed":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[KillSwitchState](t, rec).Armed)
	assert.True(t, wf.KillSwitch().Armed())

	rec = do(e, http.MethodGet, "/api/killswitch", "")
	assert.True(t, decode[KillSwitchState](t, rec).Armed)

	rec = do(e, http.MethodPost, "/api/killswitch", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/api/killswitch", `{"armed":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, wf.KillSwitch().Armed())
}

func TestHealth(t *testing.T) {
	e, _ := newTestServer(t, nil, nil)
	rec := do(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamDeliversRunEvents(t *testing.T) {
	hub := NewStreamHub(nil, nil)
	defer hub.Close()
	e, _ := newTestServer(t, nil, hub)
	srv := httptest.NewServer(e)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	go func() {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/walkforward", strings.NewReader(runBody))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg struct {
		RunID string       `json:"run_id"`
		Event models.Event `json:"event"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.NotEmpty(t, msg.RunID)
	assert.Contains(t, usecase.ForwardedKinds, msg.Event.Kind)
}

func TestClientRunIDMustBeNew(t *testing.T) {
	jobs := &fakeJobs{}
	e, _ := newTestServer(t, jobs, nil)
	body := func(id string) string {
		return strings.TrimSuffix(runBody, "}") + `,"run_id":"` + id + `"}`
	}

	rec := do(e, http.MethodPost, "/api/walkforward", body("nightly-1"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "nightly-1", decode[models.WFReport](t, rec).RunID)

	rec = do(e, http.MethodPost, "/api/walkforward", body("nightly-1"))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	rec = do(e, http.MethodPost, "/api/walkforward/jobs", body("nightly-1"))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = do(e, http.MethodPost, "/api/walkforward/jobs", body("nightly-2"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "nightly-2", decode[JobAccepted](t, rec).RunID)
	rec = do(e, http.MethodPost, "/api/walkforward/jobs", body("nightly-2"))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = do(e, http.MethodPost, "/api/walkforward", body("a/b"))
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
}

func TestStreamClientFilters(t *testing.T) {
	msg := middleware.StreamMessage{RunID: "r1", Fold: 2}
	cases := map[string]struct {
		client streamClient
		want   bool
	}{
		"everything": {streamClient{fold: -1}, true},
		"same run":   {streamClient{runID: "r1", fold: -1}, true},
		"other run":  {streamClient{runID: "r2", fold: -1}, false},
		"same fold":  {streamClient{runID: "r1", fold: 2}, true},
		"other fold": {streamClient{fold: 0}, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.client.wants(msg))
		})
	}
}
