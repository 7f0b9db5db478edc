package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/peercall/peercall/internal/adapters/rtc"
	"github.com/peercall/peercall/internal/adapters/store"
	"github.com/peercall/peercall/internal/app"
	"github.com/peercall/peercall/internal/config"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := app.NewRegistry(store.NewMemStore(), rtc.NewFactory(webrtc.Configuration{}, nil), nil, 0)
	t.Cleanup(reg.Close)
	cfg := &config.Config{Mode: "test", Secret: "test-secret", StaticPath: t.TempDir(), PingPeriod: 54 * time.Second}
	return SetupRouter(context.Background(), cfg, reg, nil)
}

// client replays issued cookies across requests, like a browser would.
type client struct {
	r       *gin.Engine
	cookies []*http.Cookie
}

func (c *client) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	w := httptest.NewRecorder()
	c.r.ServeHTTP(w, req)
	for _, fresh := range w.Result().Cookies() {
		replaced := false
		for i, ck := range c.cookies {
			if ck.Name == fresh.Name {
				c.cookies[i] = fresh
				replaced = true
			}
		}
		if !replaced {
			c.cookies = append(c.cookies, fresh)
		}
	}
	return w
}

func (c *client) token() string {
	for _, ck := range c.cookies {
		if ck.Name == "ct" {
			return ck.Value
		}
	}
	return ""
}

func TestPlaceCallValidation(t *testing.T) {
	cl := &client{r: newTestRouter(t)}

	cases := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"missing recipient", `{"mediaKind":"audio"}`},
		{"bad media kind", `{"recipient":"bob","mediaKind":"hologram"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := cl.do(t, http.MethodPost, "/api/call/place", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestPlaceCallAndState(t *testing.T) {
	cl := &client{r: newTestRouter(t)}

	w := cl.do(t, http.MethodPost, "/api/call/place", `{"recipient":"bob","mediaKind":"audio"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("place: status = %d, body %s", w.Code, w.Body.String())
	}

	w = cl.do(t, http.MethodGet, "/api/call/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("state: status = %d", w.Code)
	}
	var snap struct {
		State    string `json:"state"`
		IsInCall bool   `json:"isInCall"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.State != "awaiting_answer" || !snap.IsInCall {
		t.Errorf("snapshot = %+v", snap)
	}

	// A second placement while one is in flight conflicts.
	w = cl.do(t, http.MethodPost, "/api/call/place", `{"recipient":"carol","mediaKind":"audio"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second place: status = %d, want 409", w.Code)
	}
}

func TestSelfCallRejected(t *testing.T) {
	cl := &client{r: newTestRouter(t)}
	cl.do(t, http.MethodGet, "/api/call/state", "") // acquire a token
	self := cl.token()
	if self == "" {
		t.Fatal("no client token issued")
	}

	w := cl.do(t, http.MethodPost, "/api/call/place", `{"recipient":"`+self+`","mediaKind":"audio"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("self call: status = %d, want 400", w.Code)
	}
}

func TestIntentsWithoutCallConflict(t *testing.T) {
	cl := &client{r: newTestRouter(t)}
	for _, path := range []string{
		"/api/call/answer",
		"/api/call/decline",
		"/api/call/hangup",
		"/api/call/toggle-mute",
		"/api/call/toggle-video",
		"/api/call/switch-camera",
	} {
		if w := cl.do(t, http.MethodPost, path, ""); w.Code != http.StatusConflict {
			t.Errorf("%s: status = %d, want 409", path, w.Code)
		}
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	cl := &client{r: newTestRouter(t)}
	w := cl.do(t, http.MethodGet, "/api/call/history", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Calls []any `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Calls) != 0 {
		t.Errorf("unexpected history: %v", resp.Calls)
	}
}

func TestClientTokenIsStable(t *testing.T) {
	cl := &client{r: newTestRouter(t)}
	cl.do(t, http.MethodGet, "/api/call/state", "")
	first := cl.token()
	cl.do(t, http.MethodGet, "/api/call/state", "")
	if first == "" || cl.token() != first {
		t.Errorf("token changed between requests: %q vs %q", first, cl.token())
	}
}
