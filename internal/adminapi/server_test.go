package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shadowsync/internal/reconlog"
	"shadowsync/internal/shadow"
	"shadowsync/internal/synchandler"
	"shadowsync/internal/thingregistry"
	"shadowsync/pkg/hash"
)

// fakeLocalStore implements shadow.LocalStore with a single in-memory
// sync-info row, enough to exercise handleShadowStatus without SQLite.
type fakeLocalStore struct {
	info *shadow.Info
}

func (f *fakeLocalStore) ListSyncedShadows(context.Context) ([]shadow.Key, error) { return nil, nil }
func (f *fakeLocalStore) GetSyncInfo(_ context.Context, _ shadow.Key) (*shadow.Info, error) {
	return f.info, nil
}
func (f *fakeLocalStore) UpsertSyncInfoIfAbsent(context.Context, *shadow.Info) error { return nil }
func (f *fakeLocalStore) UpdateSyncInfo(context.Context, *shadow.Info) error         { return nil }
func (f *fakeLocalStore) DeleteSyncInfo(context.Context, shadow.Key) error           { return nil }
func (f *fakeLocalStore) GetShadow(context.Context, shadow.Key) ([]byte, uint64, error) {
	return nil, 0, shadow.ErrShadowNotFound
}
func (f *fakeLocalStore) UpdateShadow(context.Context, shadow.Key, []byte) (uint64, error) {
	return 0, nil
}
func (f *fakeLocalStore) DeleteShadow(context.Context, shadow.Key) (uint64, error) { return 0, nil }
func (f *fakeLocalStore) Lock(context.Context, shadow.Key) (shadow.ScopedLock, error) {
	return noopLock{}, nil
}

type noopLock struct{}

func (noopLock) Unlock() {}

// fakeStrategy is a minimal strategy.Strategy for driving synchandler.Handler
// without a real queue/executor stack.
type fakeStrategy struct{ puts []shadow.Request }

func (f *fakeStrategy) Start(context.Context) error { return nil }
func (f *fakeStrategy) Stop(time.Duration) error     { return nil }
func (f *fakeStrategy) Put(req shadow.Request) error { f.puts = append(f.puts, req); return nil }
func (f *fakeStrategy) Clear()                       {}
func (f *fakeStrategy) RemainingCapacity() int       { return -1 }

type fakeRegistry struct{ entries []thingregistry.Entry }

func (f *fakeRegistry) Register(context.Context, shadow.Key) error { return nil }
func (f *fakeRegistry) List(context.Context) ([]thingregistry.Entry, error) {
	return f.entries, nil
}
func (f *fakeRegistry) Find(context.Context, shadow.Key) (*thingregistry.Entry, error) {
	return nil, nil
}
func (f *fakeRegistry) Deregister(context.Context, shadow.Key) error { return nil }
func (f *fakeRegistry) Touch(context.Context, shadow.Key) error      { return nil }

type fakeReconLog struct{ history []reconlog.Entry }

func (f *fakeReconLog) Record(context.Context, reconlog.Entry) error { return nil }
func (f *fakeReconLog) History(context.Context, shadow.Key, int) ([]reconlog.Entry, error) {
	return f.history, nil
}

func testDeps(t *testing.T) (Deps, *fakeLocalStore) {
	t.Helper()
	k := shadow.Key{ThingName: "lamp-1"}
	store := &fakeLocalStore{info: &shadow.Info{Key: k, CloudVersion: 2, LocalVersion: 3}}
	h := synchandler.New(synchandler.Config{
		SyncedKeys: []shadow.Key{k},
		Direction:  shadow.BetweenDeviceAndCloud,
		Strategy:   &fakeStrategy{},
	})
	deps := Deps{
		Handler:              h,
		Store:                store,
		Recon:                &fakeReconLog{},
		Registry:             &fakeRegistry{},
		Tokens:               NewTokenService(newFakeTokenStore()),
		JWTSecret:            testJWTSecret,
		OperatorPasswordHash: mustHash(t, "operator-pass"),
	}
	return deps, store
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hashed, err := hash.Hash(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return hashed
}

func authedRequest(t *testing.T, deps Deps, method, path string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	plain, _, err := deps.Tokens.IssueToken(context.Background(), "test", nil)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+plain)
	return req
}

func TestHandleLoginSuccessAndFailure(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	body, _ := json.Marshal(map[string]string{"password": "operator-pass"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}

	badBody, _ := json.Marshal(map[string]string{"password": "wrong"})
	req2 := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(badBody))
	rr2 := httptest.NewRecorder()
	router.ServeHTTP(rr2, req2)
	if rr2.Code != http.StatusUnauthorized {
		t.Fatalf("login with bad password status = %d, want 401", rr2.Code)
	}
}

func TestHandleShadowStatus(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodGet, "/shadows/lamp-1/-", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data struct {
			CloudVersion uint64 `json:"cloud_version"`
			LocalVersion uint64 `json:"local_version"`
			Synced       bool   `json:"synced"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Data.CloudVersion != 2 || resp.Data.LocalVersion != 3 {
		t.Fatalf("resp.Data = %+v, want cloud=2 local=3", resp.Data)
	}
	if !resp.Data.Synced {
		t.Fatal("resp.Data.Synced = false, want true for a registered key")
	}
}

func TestHandleShadowStatusNotFound(t *testing.T) {
	deps, store := testDeps(t)
	store.info = nil
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodGet, "/shadows/unknown/-", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestHandleForceFullSyncEnqueues(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodPost, "/shadows/lamp-1/-/full-sync", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandleSetDirectionRejectsUnknownValue(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodPost, "/direction", map[string]string{"direction": "sideways"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleSetDirectionAccepted(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodPost, "/direction", map[string]string{"direction": "device_to_cloud"})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	if deps.Handler.Direction() != shadow.DeviceToCloud {
		t.Fatalf("Handler.Direction() = %v, want DeviceToCloud", deps.Handler.Direction())
	}
}

func TestHandleReloadConfigNotWired(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodPost, "/config/reload", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when ReloadConfig is nil", rr.Code)
	}
}

func TestHandleReloadConfigWired(t *testing.T) {
	deps, _ := testDeps(t)
	called := false
	deps.ReloadConfig = func(context.Context) error { called = true; return nil }
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodPost, "/config/reload", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !called {
		t.Fatal("ReloadConfig hook was not invoked")
	}
}

func TestHandleIssueTokenRequiresName(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodPost, "/auth/cli-tokens", map[string]string{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestHandleIssueTokenSuccess(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	req := authedRequest(t, deps, http.MethodPost, "/auth/cli-tokens", map[string]interface{}{"name": "ci", "scopes": []string{"read"}})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201, body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandleUnauthorizedWithoutToken(t *testing.T) {
	deps, _ := testDeps(t)
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/shadows/lamp-1/-", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
}
