package seisho

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, opts ...Option) *App {
	t.Helper()

	// Keep the test hermetic against ambient configuration.
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SEISHO_AUTH_ENABLED", "")
	t.Setenv("SEISHO_LLM_API_KEY", "")
	t.Setenv("SEISHO_RATE_LIMIT_ENABLED", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "notes.txt"), []byte("Wind speeds at the site average 7 m/s."), 0o600))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := []Option{
		WithLogger(logger),
		WithSourceDir(sourceDir),
		WithOutputDir(t.TempDir()),
		WithVersion("test"),
	}
	app, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app
}

func TestNewServesHealth(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data struct {
			Status  string `json:"status"`
			Version string `json:"version"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Data.Status)
	assert.Equal(t, "test", body.Data.Version)
}

func TestNewServesOpenAPISpec(t *testing.T) {
	app := newTestApp(t)
	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "openapi: 3.1.0")
}

func TestExtraRoutesAndMiddleware(t *testing.T) {
	app := newTestApp(t,
		WithExtraRoutes(func(mux *http.ServeMux) {
			mux.HandleFunc("GET /custom/ping", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("pong"))
			})
		}),
		WithMiddleware(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Custom", "yes")
				next.ServeHTTP(w, r)
			})
		}),
	)
	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/custom/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Custom"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(raw))
}

type recordingHook struct {
	done chan RunView
}

func (h *recordingHook) OnRunFinished(_ context.Context, run RunView) error {
	select {
	case h.done <- run:
	default:
	}
	return nil
}

func TestRunHookFiresOnFinish(t *testing.T) {
	hook := &recordingHook{done: make(chan RunView, 1)}
	app := newTestApp(t, WithRunHook(hook))
	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json",
		strings.NewReader(`{"query":"site assessment"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case view := <-hook.done:
		assert.Equal(t, StatusSucceeded, view.Status)
		assert.True(t, view.Finished)
		assert.Equal(t, float64(100), view.Progress)
	case <-time.After(15 * time.Second):
		t.Fatal("run hook was not invoked")
	}
}

type upperWriter struct{}

func (upperWriter) WriteSection(_ context.Context, p SectionPrompt) (string, error) {
	return "SECTION " + strings.ToUpper(p.Title), nil
}

func (upperWriter) Mock() bool { return true }

func TestWithSectionWriterOverride(t *testing.T) {
	hook := &recordingHook{done: make(chan RunView, 1)}
	app := newTestApp(t, WithSectionWriter(upperWriter{}), WithRunHook(hook))
	ts := httptest.NewServer(app.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json",
		strings.NewReader(`{"query":"noise survey"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case view := <-hook.done:
		require.Equal(t, StatusSucceeded, view.Status)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not finish")
	}
}
