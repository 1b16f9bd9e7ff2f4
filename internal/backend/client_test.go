package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/quantchat/pkg/chatlog"
	"github.com/aixgo-dev/quantchat/pkg/upload"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{name: "empty", baseURL: "", wantErr: true},
		{name: "bad scheme", baseURL: "ftp://host", wantErr: true},
		{name: "no host", baseURL: "http://", wantErr: true},
		{name: "http", baseURL: "http://localhost:8080"},
		{name: "https with trailing slash", baseURL: "https://analysis.example.com/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(Config{BaseURL: tt.baseURL})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.False(t, strings.HasSuffix(c.BaseURL(), "/"))
			assert.Equal(t, defaultTimeout, c.timeout)
		})
	}
}

func TestClient_Analyze(t *testing.T) {
	var got AnalyzeRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, analyzePath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = io.WriteString(w, `{"type":"text","content":"hi"}`+"\n")
	})

	body, err := c.Analyze(context.Background(), AnalyzeRequest{
		Prompt:        "backtest it",
		History:       []*chatlog.Message{{ID: "1", Kind: chatlog.KindUser, Content: "earlier"}},
		UploadedFiles: []upload.Metadata{{Name: "a.csv", URL: "u", Size: 1, Type: "text/csv"}},
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"text","content":"hi"}`+"\n", string(raw))

	assert.Equal(t, "backtest it", got.Prompt)
	require.Len(t, got.History, 1)
	assert.Equal(t, chatlog.KindUser, got.History[0].Kind)
	assert.Equal(t, "a.csv", got.UploadedFiles[0].Name)
}

func TestClient_AnalyzeSendsEmptyArrays(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), `"history":[]`)
		assert.Contains(t, string(raw), `"uploaded_files":[]`)
	})

	body, err := c.Analyze(context.Background(), AnalyzeRequest{Prompt: "x"})
	require.NoError(t, err)
	body.Close()
}

func TestClient_AnalyzeErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{name: "json error", status: http.StatusInternalServerError, body: `{"error":"boom"}`, wantMsg: "boom"},
		{name: "plain text", status: http.StatusBadGateway, body: "upstream down", wantMsg: "upstream down"},
		{name: "empty body", status: http.StatusServiceUnavailable, wantMsg: "Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Analyze(context.Background(), AnalyzeRequest{Prompt: "x"})
			var te *TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.status, te.StatusCode)
			assert.Equal(t, tt.wantMsg, te.Message)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestClient_AnalyzeNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url})
	require.NoError(t, err)

	_, err = c.Analyze(context.Background(), AnalyzeRequest{Prompt: "x"})
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "analyze", te.Op)
	assert.Zero(t, te.StatusCode)
	assert.NotNil(t, te.Unwrap())
}

func TestClient_Upload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, uploadPath, r.URL.Path)
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		content, _ := io.ReadAll(file)

		assert.Equal(t, "2024_03_15_trades.csv", header.Filename)
		assert.Equal(t, "date,px\n", string(content))
		_, _ = io.WriteString(w, `{"url":"https://files/trades.csv","size":8,"type":"text/csv","preview":[["date","px"]]}`)
	})

	d, err := c.Upload(context.Background(), "2024_03_15_trades.csv", strings.NewReader("date,px\n"))
	require.NoError(t, err)
	assert.Equal(t, "2024_03_15_trades.csv", d.Name)
	assert.Equal(t, "https://files/trades.csv", d.URL)
	assert.Equal(t, int64(8), d.Size)
	assert.Equal(t, "text/csv", d.Type)
	assert.NotNil(t, d.Preview)
}

func TestClient_UploadErrorField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"unsupported file"}`)
	})

	_, err := c.Upload(context.Background(), "a.exe", strings.NewReader("x"))
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "unsupported file", te.Message)
}

func TestClient_Patch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"bad password"}`)
			return
		}
		assert.Equal(t, "print('hi')", req["patchCode"])
		_, _ = io.WriteString(w, `{"message":"patch applied"}`)
	})

	msg, err := c.Patch(context.Background(), "secret", "print('hi')")
	require.NoError(t, err)
	assert.Equal(t, "patch applied", msg)

	_, err = c.Patch(context.Background(), "wrong", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad password")
}

func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":"ok"}`)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, RequestsPerSecond: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = c.Patch(context.Background(), "p", "c")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Patch(ctx, "p", "c")
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, err.Error(), "rate limit")
}

func TestClient_Ping(t *testing.T) {
	ok := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	assert.NoError(t, ok.Ping(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	assert.Error(t, down.Ping(context.Background()))
}

func TestTransportError_Error(t *testing.T) {
	assert.Equal(t, "analyze failed (status 500): boom", (&TransportError{Op: "analyze", StatusCode: 500, Message: "boom"}).Error())
	assert.Equal(t, "read failed: eof", (&TransportError{Op: "read", Err: errors.New("eof")}).Error())
}
