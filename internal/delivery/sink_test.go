package delivery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"

	"sportsedge/internal/config"
	"sportsedge/internal/errs"
)

func TestClassifyDiscord(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		kind  errs.Kind
		after time.Duration
	}{
		{
			name:  "rate limited",
			err:   &discordgo.RateLimitError{RateLimit: &discordgo.RateLimit{TooManyRequests: &discordgo.TooManyRequests{RetryAfter: 2 * time.Second}}},
			kind:  errs.KindDeliveryRateLimited,
			after: 2 * time.Second,
		},
		{
			name: "missing permissions",
			err:  &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}, Message: &discordgo.APIErrorMessage{Code: discordgo.ErrCodeMissingPermissions}},
			kind: errs.KindDeliveryPermissionDenied,
		},
		{
			name: "server error",
			err:  &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusBadGateway}},
			kind: errs.KindDeliveryFailed,
		},
		{
			name: "transport",
			err:  errors.New("connection reset"),
			kind: errs.KindDeliveryFailed,
		},
	}
	for _, tc := range cases {
		got := classifyDiscord("op", tc.err)
		if k := errs.KindOf(got); k != tc.kind {
			t.Fatalf("%s: kind=%s want=%s", tc.name, k, tc.kind)
		}
		if tc.after > 0 {
			if d, ok := errs.RetryAfter(got); !ok || d != tc.after {
				t.Fatalf("%s: retry after=%v want=%v", tc.name, d, tc.after)
			}
		}
	}
}

func TestClassifySlack(t *testing.T) {
	if k := errs.KindOf(classifySlack("op", &slack.RateLimitedError{RetryAfter: 3 * time.Second})); k != errs.KindDeliveryRateLimited {
		t.Fatalf("kind=%s want rate limited", k)
	}
	if k := errs.KindOf(classifySlack("op", slack.SlackErrorResponse{Err: "not_in_channel"})); k != errs.KindDeliveryPermissionDenied {
		t.Fatalf("kind=%s want permission denied", k)
	}
	if k := errs.KindOf(classifySlack("op", errors.New("boom"))); k != errs.KindDeliveryFailed {
		t.Fatalf("kind=%s want failed", k)
	}
}

// fakeSlack serves the few Web API methods the sink uses.
type fakeSlack struct {
	mu       sync.Mutex
	created  int
	posted   []string
	messages []string
}

func (f *fakeSlack) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/conversations.list"):
		_, _ = w.Write([]byte(`{"ok":true,"channels":[{"id":"C1","name":"nba-2026-03-01"}],"response_metadata":{"next_cursor":""}}`))
	case strings.HasSuffix(r.URL.Path, "/conversations.create"):
		f.created++
		_, _ = w.Write([]byte(`{"ok":true,"channel":{"id":"C2","name":"new"}}`))
	case strings.HasSuffix(r.URL.Path, "/conversations.history"):
		var b strings.Builder
		b.WriteString(`{"ok":true,"messages":[`)
		for i, m := range f.messages {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(`{"type":"message","text":` + quote(m) + `}`)
		}
		b.WriteString(`]}`)
		_, _ = w.Write([]byte(b.String()))
	case strings.HasSuffix(r.URL.Path, "/chat.postMessage"):
		text := r.FormValue("text")
		f.posted = append(f.posted, text)
		f.messages = append(f.messages, text)
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.0001"}`))
	default:
		_, _ = w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
	}
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

func TestSlackSink_ReusesChannelAndSkipsPostedTask(t *testing.T) {
	fake := &fakeSlack{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	sink, err := NewSlackSink(config.DeliveryConfig{Slack: config.SlackConfig{Token: "xoxb-test", APIURL: srv.URL}}, nil)
	if err != nil {
		t.Fatalf("NewSlackSink: %v", err)
	}
	ctx := context.Background()
	id, err := sink.EnsureDestination(ctx, "NBA 2026-03-01")
	if err != nil || id != "C1" {
		t.Fatalf("id=%q err=%v", id, err)
	}
	if fake.created != 0 {
		t.Fatalf("created=%d want=0", fake.created)
	}
	for i := 0; i < 2; i++ {
		if err := sink.Post(ctx, id, "task-1", "picks"); err != nil {
			t.Fatalf("Post: %v", err)
		}
	}
	if len(fake.posted) != 1 || !hasRef(fake.posted[0], "task-1") {
		t.Fatalf("posted=%q", fake.posted)
	}
}
