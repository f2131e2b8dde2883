package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"sportsedge/internal/errs"
)

func TestHTTPAdapter_Envelope(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing auth header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true,"data":{"games":[]}}`))
	}))
	defer srv.Close()

	a := &HTTPAdapter{ID: "h2h", Endpoint: srv.URL, APIKey: "k"}
	env, err := a.Fetch(context.Background(), Request{Tool: "h2h_for_event", Args: map[string]any{"event_id": "e1"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !env.OK || string(env.Data) != `{"games":[]}` {
		t.Fatalf("env=%+v", env)
	}
	if got.Tool != "h2h_for_event" || got.Args["event_id"] != "e1" {
		t.Fatalf("request=%+v", got)
	}
}

func TestHTTPAdapter_ClassifiesFailures(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   errs.Kind
	}{
		{http.StatusServiceUnavailable, "down", errs.KindSourceTransient},
		{http.StatusTooManyRequests, "slow down", errs.KindSourceTransient},
		{http.StatusUnauthorized, "no", errs.KindSourceRejected},
		{http.StatusOK, "<html>", errs.KindSourceParse},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.status == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "3")
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		a := &HTTPAdapter{ID: "odds", Endpoint: srv.URL}
		_, err := a.Fetch(context.Background(), Request{Tool: "x"})
		srv.Close()
		if got := errs.KindOf(err); got != tc.want {
			t.Fatalf("status=%d kind=%s want=%s", tc.status, got, tc.want)
		}
		if tc.status == http.StatusTooManyRequests {
			if d, ok := errs.RetryAfter(err); !ok || d != 3*time.Second {
				t.Fatalf("retry_after=%s ok=%v want=3s", d, ok)
			}
		}
	}
}

func TestHTTPAdapter_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	a := &HTTPAdapter{ID: "slow", Endpoint: srv.URL}
	_, err := a.Fetch(ctx, Request{Tool: "x"})
	if !errs.Is(err, errs.KindSourceTimeout) {
		t.Fatalf("err=%v want source_timeout", err)
	}
}

func newToolServer() *server.MCPServer {
	s := server.NewMCPServer("stats", "1.0.0")
	s.AddTool(mcp.NewTool("form_for_event", mcp.WithString("event_id")), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if req.GetString("event_id", "") == "missing" {
			return mcp.NewToolResultError("unknown event"), nil
		}
		return mcp.NewToolResultText(`{"home":[{"opponent":"x","points_for":101,"points_against":99}],"away":[]}`), nil
	})
	return s
}

func TestMCPAdapter_InProcess(t *testing.T) {
	a := NewInProcessMCPAdapter("stats", newToolServer(), nil)
	defer func() { _ = a.Close() }()

	env, err := a.Fetch(context.Background(), Request{Tool: "form_for_event", Args: map[string]any{"event_id": "e1"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !env.OK {
		t.Fatalf("env=%+v want ok", env)
	}
	var form struct {
		Home []json.RawMessage `json:"home"`
	}
	if err := json.Unmarshal(env.Data, &form); err != nil || len(form.Home) != 1 {
		t.Fatalf("data=%s err=%v", env.Data, err)
	}

	env, err = a.Fetch(context.Background(), Request{Tool: "form_for_event", Args: map[string]any{"event_id": "missing"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if env.OK || env.Error != "unknown event" {
		t.Fatalf("env=%+v want tool error", env)
	}
}
