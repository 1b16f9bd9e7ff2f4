package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/quantchat/internal/aggregator"
	"github.com/aixgo-dev/quantchat/pkg/chatlog"
	"github.com/aixgo-dev/quantchat/pkg/config"
	metrics "github.com/aixgo-dev/quantchat/pkg/observability"
	"github.com/aixgo-dev/quantchat/pkg/upload"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile, session, store, verbose = "", "", "", false

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"QUANTCHAT_BACKEND_URL", "QUANTCHAT_SESSION", "QUANTCHAT_CONFIG",
		"REDIS_ADDR", "GCP_PROJECT", "OTEL_TRACES_EXPORTER",
	} {
		t.Setenv(k, "")
	}
}

func analysisServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/upload":
			file, header, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":"no file"}`)
				return
			}
			n, _ := io.Copy(io.Discard, file)
			_ = json.NewEncoder(w).Encode(upload.Descriptor{URL: "https://files/" + header.Filename, Size: n, Type: "text/csv"})
		case "/api/analyze":
			var req struct {
				Prompt        string            `json:"prompt"`
				UploadedFiles []upload.Metadata `json:"uploaded_files"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if len(req.UploadedFiles) == 0 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":"no files"}`)
				return
			}
			_, _ = io.WriteString(w, `{"type":"text","content":"Sharpe is "}`+"\n")
			_, _ = io.WriteString(w, `{"type":"text","content":"1.4"}`+"\n")
			_, _ = io.WriteString(w, `{"type":"backtest","content":"MA crossover","data":{"sharpe":1.4}}`+"\n")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAsk(t *testing.T) {
	clearEnv(t)
	srv := analysisServer(t)
	t.Setenv("QUANTCHAT_BACKEND_URL", srv.URL)

	data := filepath.Join(t.TempDir(), "2024_03_15_trades.csv")
	require.NoError(t, os.WriteFile(data, []byte("date,px\n"), 0600))

	out, err := execute(t, "ask", "--file", data, "what", "is", "the", "sharpe")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ 2024_03_15_trades.csv (8 bytes) -> csv/2024/03")
	assert.Contains(t, out, "ai> Sharpe is 1.4")
	assert.Contains(t, out, "[backtest] MA crossover")
	assert.NotContains(t, out, "you>")
}

func TestAsk_RequiresFiles(t *testing.T) {
	clearEnv(t)
	t.Setenv("QUANTCHAT_BACKEND_URL", analysisServer(t).URL)

	_, err := execute(t, "ask", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file")
}

func TestAsk_RequiresBackend(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "ask", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUANTCHAT_BACKEND_URL")
}

func TestLog_FileStore(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "quantchat.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("session: desk\nchatlog:\n  store: file\n  base_dir: "+dir+"\n"), 0600))

	b, err := chatlog.NewFileBackend(dir)
	require.NoError(t, err)
	l, err := chatlog.NewLog(b, "desk")
	require.NoError(t, err)
	ctx := t.Context()
	_, err = l.Append(ctx, chatlog.NewMessage{Kind: chatlog.KindUser, Content: "run it"})
	require.NoError(t, err)
	_, err = l.Append(ctx, chatlog.NewMessage{Kind: chatlog.KindAI, Content: "done"})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	out, err := execute(t, "--config", cfgPath, "log")
	require.NoError(t, err)
	assert.Equal(t, "you> run it\nai> done\n", out)

	out, err = execute(t, "--config", cfgPath, "log", "--json")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var m chatlog.Message
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &m))
	assert.Equal(t, chatlog.KindAI, m.Kind)
}

func TestInvalidStore(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--store", "mongo", "log")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestPatch(t *testing.T) {
	clearEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "hunter2" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":"denied"}`)
			return
		}
		_, _ = io.WriteString(w, `{"message":"applied `+req["patchCode"]+`"}`)
	}))
	defer srv.Close()
	t.Setenv("QUANTCHAT_BACKEND_URL", srv.URL)

	code := filepath.Join(t.TempDir(), "fix.py")
	require.NoError(t, os.WriteFile(code, []byte("fix()"), 0600))

	t.Setenv("QUANTCHAT_ADMIN_PASSWORD", "")
	_, err := execute(t, "patch", code)
	require.Error(t, err)

	t.Setenv("QUANTCHAT_ADMIN_PASSWORD", "hunter2")
	out, err := execute(t, "patch", code)
	require.NoError(t, err)
	assert.Equal(t, "applied fix()\n", out)

	t.Setenv("QUANTCHAT_ADMIN_PASSWORD", "wrong")
	_, err = execute(t, "patch", code)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "denied")
}

func TestRenderer_StreamsDeltas(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)
	now := time.Now()

	ai := &chatlog.Message{ID: "1", Kind: chatlog.KindAI, Content: "Hel"}
	r.Render([]*chatlog.Message{ai})
	r.Render([]*chatlog.Message{{ID: "1", Kind: chatlog.KindAI, Content: "Hello"}})
	r.Render([]*chatlog.Message{
		{ID: "1", Kind: chatlog.KindAI, Content: "Hello", CompletedAt: &now},
		{ID: "2", Kind: chatlog.KindSystem, Content: "File 'a.csv' uploaded successfully.", CompletedAt: &now},
	})
	r.Render([]*chatlog.Message{
		{ID: "1", Kind: chatlog.KindAI, Content: "Hello", CompletedAt: &now},
		{ID: "2", Kind: chatlog.KindSystem, Content: "File 'a.csv' uploaded successfully.", CompletedAt: &now},
	})

	assert.Equal(t, "ai> Hello\n[system] File 'a.csv' uploaded successfully.\n", out.String())
}

func TestFormatMessage_Result(t *testing.T) {
	m := &chatlog.Message{
		Kind:    chatlog.KindResultVisualization,
		Content: "Equity curve",
		URL:     "https://cdn/x.png",
	}
	assert.Equal(t, "[visualization] Equity curve\n  https://cdn/x.png\n", formatMessage(m))

	m = &chatlog.Message{Kind: chatlog.KindResultBacktest, Data: map[string]any{"sharpe": 1.4}}
	assert.Equal(t, "[backtest]\n  {\n    \"sharpe\": 1.4\n  }\n", formatMessage(m))

	m = &chatlog.Message{Kind: chatlog.KindResultBacktest, Data: 12.5}
	assert.Equal(t, "[backtest]\n  12.5\n", formatMessage(m))

	m = &chatlog.Message{Kind: chatlog.KindResultVisualization, Data: []any{1.0, 2.0}}
	assert.Equal(t, "[visualization]\n  [\n    1,\n    2\n  ]\n", formatMessage(m))
}

func TestFormatIndex(t *testing.T) {
	x := upload.NewIndex()
	assert.Equal(t, "No files uploaded.\n", formatIndex(x))

	x.Insert(upload.Descriptor{Name: "2024_03_15_trades.csv", Size: 8})
	x.Insert(upload.Descriptor{Name: "notes.csv", Size: 2})
	assert.Equal(t, "csv\n"+
		"  unclassified\n"+
		"    unclassified\n"+
		"      notes.csv (2 bytes)\n"+
		"  2024\n"+
		"    03\n"+
		"      2024_03_15_trades.csv (8 bytes)\n", formatIndex(x))
}

func TestJSONFollower(t *testing.T) {
	var out bytes.Buffer
	follow := jsonFollower(&out)

	msg := &chatlog.Message{ID: "1", Kind: chatlog.KindAI, Content: "a"}
	follow([]*chatlog.Message{msg})
	follow([]*chatlog.Message{msg})
	follow([]*chatlog.Message{{ID: "1", Kind: chatlog.KindAI, Content: "ab"}})

	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
}

func TestRenderer_ResultMidStream(t *testing.T) {
	var out bytes.Buffer
	r := newRenderer(&out)
	now := time.Now()

	result := &chatlog.Message{ID: "2", Kind: chatlog.KindResultBacktest, Content: "MA", CompletedAt: &now}
	r.Render([]*chatlog.Message{{ID: "1", Kind: chatlog.KindAI, Content: "Running"}})
	r.Render([]*chatlog.Message{{ID: "1", Kind: chatlog.KindAI, Content: "Running"}, result})
	r.Render([]*chatlog.Message{{ID: "1", Kind: chatlog.KindAI, Content: "Running. Done", CompletedAt: &now}, result})

	assert.Equal(t, "ai> Running\n[backtest] MA\nai> . Done\n", out.String())
}

func TestSummarizeSession(t *testing.T) {
	t0 := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)
	user := &chatlog.Message{ID: "u", Kind: chatlog.KindUser, Content: "run", CreatedAt: t0, CompletedAt: &t0}
	answer := &chatlog.Message{ID: "a", Kind: chatlog.KindAI, Content: "done", CreatedAt: t0, CompletedAt: &t1}
	partial := &chatlog.Message{ID: "p", Kind: chatlog.KindAI, Content: "Runn", CreatedAt: t1}
	failure := &chatlog.Message{ID: "f", Kind: chatlog.KindAI, Content: aggregator.FailureMessage(errors.New("reset")), CreatedAt: t1, CompletedAt: &t1}
	notice := &chatlog.Message{ID: "s", Kind: chatlog.KindSystem, Content: "Uploaded x.csv", CreatedAt: t0, CompletedAt: &t0}

	tests := []struct {
		name     string
		msgs     []*chatlog.Message
		want     metrics.TurnOutcome
		inFlight int
	}{
		{name: "empty log", want: metrics.TurnNone},
		{name: "only notices", msgs: []*chatlog.Message{notice}, want: metrics.TurnNone},
		{name: "awaiting reply", msgs: []*chatlog.Message{answer, user}, want: metrics.TurnPending},
		{name: "streaming", msgs: []*chatlog.Message{user, partial}, want: metrics.TurnStreaming, inFlight: 1},
		{name: "answered", msgs: []*chatlog.Message{user, answer}, want: metrics.TurnAnswered},
		{name: "failed after partial", msgs: []*chatlog.Message{user, partial, failure}, want: metrics.TurnFailed, inFlight: 1},
		{name: "earlier failure then answered", msgs: []*chatlog.Message{user, failure, user, answer}, want: metrics.TurnAnswered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := summarizeSession(chatlog.StoreSQLite, "s1", tt.msgs)
			assert.Equal(t, chatlog.StoreSQLite, r.Store)
			assert.Equal(t, "s1", r.Session)
			assert.Equal(t, len(tt.msgs), r.Messages)
			assert.Equal(t, tt.want, r.LastTurn)
			assert.Equal(t, tt.inFlight, r.InFlight)
			if len(tt.msgs) == 0 {
				assert.Nil(t, r.LastActivity)
			} else {
				assert.NotNil(t, r.LastActivity)
			}
		})
	}
}

func TestHealthChecker_ReportsSession(t *testing.T) {
	cfg := config.Default()
	cfg.Session = "health"
	a, err := newApp(context.Background(), cfg, false)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.log.Append(context.Background(), chatlog.NewMessage{Kind: chatlog.KindUser, Content: "hi"})
	require.NoError(t, err)

	resp := a.healthChecker().Check(context.Background())
	assert.Equal(t, metrics.HealthStatusHealthy, resp.Status)
	require.NotNil(t, resp.Session)
	assert.Equal(t, chatlog.StoreMemory, resp.Session.Store)
	assert.Equal(t, "health", resp.Session.Session)
	assert.Equal(t, 1, resp.Session.Messages)
	assert.Equal(t, metrics.TurnPending, resp.Session.LastTurn)
}
