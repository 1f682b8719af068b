package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/edgard/relaybot/internal/errors"
)

const testToken = "123456:TEST-token"

type sentForm struct {
	ChatID    string
	Text      string
	ParseMode string
}

type fakeAPI struct {
	mu        sync.Mutex
	sent      []sentForm
	responses []fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/bot"+testToken+"/") {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")

		f.mu.Lock()
		defer f.mu.Unlock()

		if method == "getMe" {
			writeResponse(w, f.next(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`))
			return
		}

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			_ = r.ParseForm()
		}
		f.sent = append(f.sent, sentForm{
			ChatID:    r.FormValue("chat_id"),
			Text:      r.FormValue("text"),
			ParseMode: r.FormValue("parse_mode"),
		})
		writeResponse(w, f.next(`{"ok":true,"result":{"message_id":7,"date":1,"chat":{"id":42,"type":"private"}}}`))
	}
}

func (f *fakeAPI) next(okBody string) fakeResponse {
	if len(f.responses) == 0 {
		return fakeResponse{status: http.StatusOK, body: okBody}
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r
}

func writeResponse(w http.ResponseWriter, r fakeResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.status)
	_, _ = w.Write([]byte(r.body))
}

func newTestSender(t *testing.T, api *fakeAPI) *Sender {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	b, err := NewTelegramBot(testToken, srv.URL, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("NewTelegramBot() error = %v", err)
	}
	return NewSender(b, "42", 5*time.Second, nil)
}

func TestSend(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	s := newTestSender(t, api)

	if err := s.Send(context.Background(), "SEEDS | DAWN BOT\n\n• Alerts"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(api.sent))
	}
	got := api.sent[0]
	if got.ChatID != "42" || got.ParseMode != "HTML" || got.Text != "SEEDS | DAWN BOT\n\n• Alerts" {
		t.Errorf("sent = %+v", got)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		resp       fakeResponse
		kind       apperrors.Kind
		status     int
		retryAfter time.Duration
	}{
		{
			name:       "rate limited",
			resp:       fakeResponse{429, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 2","parameters":{"retry_after":2}}`},
			kind:       apperrors.KindRateLimit,
			retryAfter: 2 * time.Second,
		},
		{
			name: "bad request",
			resp: fakeResponse{400, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`},
			kind: apperrors.KindPermanent,
		},
		{
			name: "unauthorized",
			resp: fakeResponse{401, `{"ok":false,"error_code":401,"description":"Unauthorized"}`},
			kind: apperrors.KindAuth,
		},
		{
			name: "forbidden",
			resp: fakeResponse{403, `{"ok":false,"error_code":403,"description":"Forbidden: bot was kicked"}`},
			kind: apperrors.KindAuth,
		},
		{
			name:   "entity too large",
			resp:   fakeResponse{413, `{"ok":false,"error_code":413,"description":"Request Entity Too Large"}`},
			kind:   apperrors.KindPermanent,
			status: 413,
		},
		{
			name:   "unprocessable",
			resp:   fakeResponse{422, `{"ok":false,"error_code":422,"description":"Unprocessable Entity"}`},
			kind:   apperrors.KindPermanent,
			status: 422,
		},
		{
			name:   "flood wait without sentinel",
			resp:   fakeResponse{420, `{"ok":false,"error_code":420,"description":"FLOOD_WAIT"}`},
			kind:   apperrors.KindPermanent,
			status: 420,
		},
		{
			name:   "server error with json body",
			resp:   fakeResponse{500, `{"ok":false,"error_code":500,"description":"Internal Server Error"}`},
			kind:   apperrors.KindTransient,
			status: 500,
		},
		{
			name: "server error",
			resp: fakeResponse{502, `<html>bad gateway</html>`},
			kind: apperrors.KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := &fakeAPI{responses: []fakeResponse{tt.resp}}
			err := newTestSender(t, api).Send(context.Background(), "hello")
			if got := apperrors.KindOf(err); got != tt.kind {
				t.Fatalf("kind = %v, want %v (err %v)", got, tt.kind, err)
			}
			if tt.status != 0 {
				var appErr *apperrors.Error
				if !errors.As(err, &appErr) || appErr.Status() != tt.status {
					t.Errorf("status mismatch, want %d (err %v)", tt.status, err)
				}
			}
			if tt.retryAfter > 0 {
				if d, _ := apperrors.RetryAfterOf(err); d != tt.retryAfter {
					t.Errorf("retry after = %v, want %v", d, tt.retryAfter)
				}
			}
		})
	}
}

func TestCheckAuth(t *testing.T) {
	t.Parallel()

	me, err := newTestSender(t, &fakeAPI{}).CheckAuth(context.Background())
	if err != nil {
		t.Fatalf("CheckAuth() error = %v", err)
	}
	if me.Username != "relay_bot" {
		t.Errorf("Username = %q", me.Username)
	}

	rejected := &fakeAPI{responses: []fakeResponse{{401, `{"ok":false,"error_code":401,"description":"Unauthorized"}`}}}
	if _, err := newTestSender(t, rejected).CheckAuth(context.Background()); !apperrors.Is(err, apperrors.KindAuth) {
		t.Errorf("CheckAuth() with rejected token error = %v, want auth fault", err)
	}
}
