package debughttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "sheetbot/pkg/logx"
)

const (
	testTimeout = 3 * time.Second
	testTick    = 10 * time.Millisecond
)

type fakeReporter struct {
	ok     bool
	reason string
}

func (p fakeReporter) Healthy() (bool, string) { return p.ok, p.reason }
func (p fakeReporter) Status() any             { return map[string]int{"records": 3} }

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	up := New(Config{Enabled: true}, fakeReporter{ok: true}, logx.Nop()).Handler()
	rec := get(t, up, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	down := New(Config{Enabled: true}, fakeReporter{reason: "sync degraded"}, logx.Nop()).Handler()
	rec = get(t, down, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "sync degraded")
}

func TestStatusJSON(t *testing.T) {
	t.Parallel()

	h := New(Config{Enabled: true}, fakeReporter{ok: true}, logx.Nop()).Handler()
	rec := get(t, h, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 3, got["records"])
}

func TestTokenAuth(t *testing.T) {
	t.Parallel()

	h := New(Config{Enabled: true, Token: "s3cret"}, fakeReporter{ok: true}, logx.Nop()).Handler()

	tests := []struct {
		name   string
		target string
		hdr    map[string]string
		want   int
	}{
		{name: "missing", target: "/healthz", want: http.StatusUnauthorized},
		{name: "query ok", target: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "query wrong", target: "/healthz?token=nope", want: http.StatusUnauthorized},
		{name: "bearer ok", target: "/healthz", hdr: map[string]string{"Authorization": "Bearer s3cret"}, want: http.StatusOK},
		{name: "bearer wrong", target: "/healthz", hdr: map[string]string{"Authorization": "Bearer x"}, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, get(t, h, tt.target, tt.hdr).Code)
		})
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	off := New(Config{Enabled: true}, nil, logx.Nop()).Handler()
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", nil).Code)

	on := New(Config{Enabled: true, Pprof: true}, nil, logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/", nil).Code)
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, logx.Nop())
	require.Error(t, s.Start(context.Background()))

	s = New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fakeReporter{ok: true}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Addr() != "" }, testTimeout, testTick)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStopIsClean(t *testing.T) {
	t.Parallel()
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: testTimeout}

	for range 5 {
		s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, fakeReporter{ok: true}, logx.Nop())
		require.NoError(t, s.Start(context.Background()))
		require.Eventually(t, func() bool { return s.Addr() != "" }, testTimeout, testTick)
		addr := s.Addr()

		resp, err := client.Get("http://" + addr + "/healthz")
		require.NoError(t, err)
		_ = resp.Body.Close()

		require.NoError(t, s.Stop(context.Background()))
		assert.Empty(t, s.Addr())
		_, err = client.Get("http://" + addr + "/healthz")
		assert.Error(t, err, "listener still open after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
