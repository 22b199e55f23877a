package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relayguard/relayguard/internal/audit"
	"github.com/relayguard/relayguard/internal/guard"
	"github.com/relayguard/relayguard/internal/pairing"
)

func newTestServer(t *testing.T, storeCfg pairing.Config) (*Server, *httptest.Server, *pairing.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	paths, err := guard.NewPathGuard([]string{"/home/alice"}, nil)
	if err != nil {
		t.Fatalf("NewPathGuard: %v", err)
	}
	commands := guard.NewCommandGuard(nil)
	store := pairing.NewStore(storeCfg, logger)
	recorder := audit.NewRecorder(logger)
	tokens, err := NewTokenIssuer(nil)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	srv := NewServer("127.0.0.1:0", store, paths, commands, guard.TierSupport, recorder, tokens, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, store
}

func doJSON(t *testing.T, method, url, token string, body, out interface{}) int {
	t.Helper()
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestPairingAndDispatchFlow(t *testing.T) {
	_, ts, _ := newTestServer(t, pairing.Config{})

	var created createSessionResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/pairing/session", "", nil, &created); code != http.StatusCreated {
		t.Fatalf("create session: status %d", code)
	}
	if created.SessionID == "" || created.Code == "" {
		t.Fatalf("create session returned empty fields: %+v", created)
	}

	// A wrong code must fail and report remaining attempts.
	var failed validateResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/pairing/validate", "",
		validateRequest{Code: "AAA-AAA-AAA-AAA"}, &failed); code != http.StatusUnauthorized {
		t.Fatalf("wrong code: status %d", code)
	}
	if failed.Valid || failed.AttemptsRemaining != 4 {
		t.Fatalf("wrong code response: %+v", failed)
	}

	var ok validateResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/pairing/validate", "",
		validateRequest{Code: created.Code}, &ok); code != http.StatusOK {
		t.Fatalf("correct code: status %d", code)
	}
	if !ok.Valid || ok.Token == "" || ok.SessionID != created.SessionID {
		t.Fatalf("correct code response: %+v", ok)
	}

	var sess sessionResponse
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/session", ok.Token, nil, &sess); code != http.StatusOK {
		t.Fatalf("get session: status %d", code)
	}
	if !sess.Authenticated || sess.Ended {
		t.Fatalf("session state after pairing: %+v", sess)
	}

	var pd guardPathResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/guard/path", ok.Token,
		guardPathRequest{Op: "read", Path: "/home/alice/notes.txt"}, &pd)
	if !pd.Allowed {
		t.Errorf("in-root read denied: %+v", pd)
	}
	doJSON(t, http.MethodPost, ts.URL+"/api/guard/path", ok.Token,
		guardPathRequest{Op: "read", Path: "/etc/passwd"}, &pd)
	if pd.Allowed {
		t.Errorf("out-of-root read allowed")
	}

	var cd guardCommandResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/guard/command", ok.Token,
		guardCommandRequest{Command: "hostname"}, &cd)
	if !cd.Allowed {
		t.Errorf("hostname denied: %+v", cd)
	}
	doJSON(t, http.MethodPost, ts.URL+"/api/guard/command", ok.Token,
		guardCommandRequest{Command: "sfc /scannow"}, &cd)
	if !cd.Allowed || !cd.RequiresAdmin {
		t.Errorf("sfc /scannow: %+v", cd)
	}
	doJSON(t, http.MethodPost, ts.URL+"/api/guard/command", ok.Token,
		guardCommandRequest{Command: "format c:"}, &cd)
	if cd.Allowed {
		t.Errorf("format c: allowed")
	}

	var ext extendResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/session/extend", ok.Token,
		extendRequest{AdditionalMs: time.Hour.Milliseconds()}, &ext); code != http.StatusOK {
		t.Fatalf("extend: status %d", code)
	}
	if !ext.ExpiresAt.After(sess.ExpiresAt) {
		t.Errorf("extend did not move expiry: %v -> %v", sess.ExpiresAt, ext.ExpiresAt)
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/session/end", ok.Token, nil, nil); code != http.StatusOK {
		t.Fatalf("end: status %d", code)
	}
	// The grace window retains the session for audit read-back only; the
	// channel token stops working the moment the session ends.
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/session", ok.Token, nil, nil); code != http.StatusUnauthorized {
		t.Errorf("get after end: status %d, want %d", code, http.StatusUnauthorized)
	}
}

func pairAndGetToken(t *testing.T, ts *httptest.Server) validateResponse {
	t.Helper()
	var created createSessionResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/pairing/session", "", nil, &created); code != http.StatusCreated {
		t.Fatalf("create session: status %d", code)
	}
	var ok validateResponse
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/pairing/validate", "",
		validateRequest{Code: created.Code}, &ok); code != http.StatusOK {
		t.Fatalf("validate: status %d", code)
	}
	return ok
}

func TestDispatchRejectedAfterSessionEnd(t *testing.T) {
	_, ts, _ := newTestServer(t, pairing.Config{})
	ok := pairAndGetToken(t, ts)

	var cd guardCommandResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/guard/command", ok.Token,
		guardCommandRequest{Command: "hostname"}, &cd)
	if !cd.Allowed {
		t.Fatalf("pre-end dispatch denied: %+v", cd)
	}

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/session/end", ok.Token, nil, nil); code != http.StatusOK {
		t.Fatalf("end: status %d", code)
	}

	// The session is still in the store (grace window) but no longer live;
	// every dispatch endpoint must refuse the token.
	for _, ep := range []struct{ method, path string }{
		{http.MethodPost, "/api/guard/command"},
		{http.MethodPost, "/api/guard/path"},
		{http.MethodGet, "/api/session"},
		{http.MethodPost, "/api/session/extend"},
	} {
		if code := doJSON(t, ep.method, ts.URL+ep.path, ok.Token, nil, nil); code != http.StatusUnauthorized {
			t.Errorf("%s %s after end: status %d, want 401", ep.method, ep.path, code)
		}
	}
}

func TestDispatchRejectedAfterExpiry(t *testing.T) {
	_, ts, _ := newTestServer(t, pairing.Config{CodeTTL: 50 * time.Millisecond})
	ok := pairAndGetToken(t, ts)

	time.Sleep(100 * time.Millisecond)

	// Past ExpiresAt the sweep may not have run yet, but the token must
	// already be refused.
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/guard/command", ok.Token,
		guardCommandRequest{Command: "hostname"}, nil); code != http.StatusUnauthorized {
		t.Errorf("dispatch after expiry: status %d, want 401", code)
	}
}

func TestDispatchEndpointsRequireToken(t *testing.T) {
	_, ts, _ := newTestServer(t, pairing.Config{})

	endpoints := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/session"},
		{http.MethodPost, "/api/session/extend"},
		{http.MethodPost, "/api/session/end"},
		{http.MethodPost, "/api/guard/path"},
		{http.MethodPost, "/api/guard/command"},
	}
	for _, ep := range endpoints {
		if code := doJSON(t, ep.method, ts.URL+ep.path, "", nil, nil); code != http.StatusUnauthorized {
			t.Errorf("%s %s without token: status %d, want 401", ep.method, ep.path, code)
		}
	}
}

func TestValidateGarbageTokenRejected(t *testing.T) {
	_, ts, _ := newTestServer(t, pairing.Config{})
	if code := doJSON(t, http.MethodGet, ts.URL+"/api/session", "not-a-jwt", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("garbage token: status %d, want 401", code)
	}
}

func TestValidateLockout(t *testing.T) {
	_, ts, _ := newTestServer(t, pairing.Config{})

	doJSON(t, http.MethodPost, ts.URL+"/api/pairing/session", "", nil, nil)

	// Exhaust the attempt budget; each of these fails with 401.
	var last validateResponse
	for i := 0; i < pairing.DefaultConfig().MaxAttempts; i++ {
		if code := doJSON(t, http.MethodPost, ts.URL+"/api/pairing/validate", "",
			validateRequest{Code: "BBB-BBB-BBB-BBB"}, &last); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status %d, want 401", i+1, code)
		}
	}
	if last.AttemptsRemaining != 0 {
		t.Fatalf("final failed attempt left %d attempts remaining", last.AttemptsRemaining)
	}

	// The budget is spent, so the next attempt hits the lockout.
	if code := doJSON(t, http.MethodPost, ts.URL+"/api/pairing/validate", "",
		validateRequest{Code: "BBB-BBB-BBB-BBB"}, &last); code != http.StatusTooManyRequests {
		t.Fatalf("post-lockout attempt: status %d, want 429", code)
	}
	if !last.LockedOut || last.LockoutRemaining == "" {
		t.Errorf("lockout response: %+v", last)
	}
}

func TestGuardPathRejectsUnknownOp(t *testing.T) {
	_, ts, _ := newTestServer(t, pairing.Config{})

	var created createSessionResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/pairing/session", "", nil, &created)
	var ok validateResponse
	doJSON(t, http.MethodPost, ts.URL+"/api/pairing/validate", "", validateRequest{Code: created.Code}, &ok)

	if code := doJSON(t, http.MethodPost, ts.URL+"/api/guard/path", ok.Token,
		guardPathRequest{Op: "execute", Path: "/home/alice/a.txt"}, nil); code != http.StatusBadRequest {
		t.Errorf("unknown op: status %d, want 400", code)
	}
}
