package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/subventia/matching-engine/internal/matching"
)

type stubEngine struct {
	lastProfile matching.Profile
	lastOpts    matching.Options
	result      matching.Result
	err         error
}

func (e *stubEngine) Match(_ context.Context, profile matching.Profile, opts matching.Options) (matching.Result, error) {
	e.lastProfile = profile
	e.lastOpts = opts
	return e.result, e.err
}

func doMatch(t *testing.T, engine *stubEngine, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(engine, nil)
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestHandleMatchOK(t *testing.T) {
	engine := &stubEngine{result: matching.Result{
		Matches:      []matching.Match{{SubsidyID: "sub-a", Score: 82}},
		WasAIRefined: true,
	}}
	rec := doMatch(t, engine, "/v1/match", `{"profile":{"id":"p1","sector":"numerique","region":"Bretagne"},"limit":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	if engine.lastProfile.ID != "p1" || engine.lastOpts.Limit != 3 {
		t.Errorf("request not forwarded: %+v %+v", engine.lastProfile, engine.lastOpts)
	}
	var res matching.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(res.Matches) != 1 || !res.WasAIRefined {
		t.Errorf("response payload: %+v", res)
	}
}

func TestHandleMatchForceRefreshQueryFlag(t *testing.T) {
	engine := &stubEngine{}
	rec := doMatch(t, engine, "/v1/match?force_refresh=true", `{"profile":{"id":"p1"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !engine.lastOpts.ForceRefresh {
		t.Error("force_refresh query flag not applied")
	}
}

func TestHandleMatchMissingProfileID(t *testing.T) {
	engine := &stubEngine{err: matching.ErrMissingProfileID}
	rec := doMatch(t, engine, "/v1/match", `{"profile":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestHandleMatchRetrievalFailure(t *testing.T) {
	engine := &stubEngine{err: &matching.RetrievalError{Attempts: 4, Err: errors.New("down")}}
	rec := doMatch(t, engine, "/v1/match", `{"profile":{"id":"p1"}}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503", rec.Code)
	}
}

func TestHandleMatchBadJSON(t *testing.T) {
	rec := doMatch(t, &stubEngine{}, "/v1/match", `{"profile":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestHandleMatchMethodNotAllowed(t *testing.T) {
	srv := NewServer(&stubEngine{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/match", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d, want 405", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := NewServer(&stubEngine{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["ok"] != true || payload["version"] != matching.PipelineVersion {
		t.Errorf("health payload: %v", payload)
	}
}
