package automation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/convergence/pkg/engine"
)

// fakeService is an in-memory automation service.
type fakeService struct {
	mu           sync.Mutex
	accounts     map[string]accountRequest
	modules      map[string]moduleRequest
	configs      map[string]configurationRequest
	compilations map[string]compilationRequest

	moduleState  string
	compileState string
	nodes        map[string]string
	failWith     int
}

func newFakeService() *fakeService {
	return &fakeService{
		accounts:     map[string]accountRequest{},
		modules:      map[string]moduleRequest{},
		configs:      map[string]configurationRequest{},
		compilations: map[string]compilationRequest{},
		moduleState:  stateSucceeded,
		compileState: statusCompleted,
		nodes:        map[string]string{},
	}
}

func (f *fakeService) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			code := f.failWith
			f.mu.Unlock()
			if code != 0 {
				http.Error(w, `{"message":"nope"}`, code)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Route("/v1/accounts", func(r chi.Router) {
		r.Put("/{name}", func(w http.ResponseWriter, req *http.Request) {
			var body accountRequest
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			f.mu.Lock()
			f.accounts[chi.URLParam(req, "name")] = body
			f.mu.Unlock()
			writeJSON(w, accountResponse{ID: "acct-" + body.Name, Name: body.Name})
		})
		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if _, ok := f.accounts[chi.URLParam(req, "id")]; !ok {
				http.NotFound(w, req)
				return
			}
			delete(f.accounts, chi.URLParam(req, "id"))
			w.WriteHeader(http.StatusNoContent)
		})
		r.Put("/{id}/modules/{module}", func(w http.ResponseWriter, req *http.Request) {
			var body moduleRequest
			_ = json.NewDecoder(req.Body).Decode(&body)
			f.mu.Lock()
			f.modules[chi.URLParam(req, "module")] = body
			f.mu.Unlock()
			w.WriteHeader(http.StatusAccepted)
		})
		r.Get("/{id}/modules/{module}", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			res := moduleResponse{Name: chi.URLParam(req, "module"), ProvisioningState: f.moduleState}
			if f.moduleState == stateFailed {
				res.Error = "package is corrupt"
			}
			writeJSON(w, res)
		})
		r.Put("/{id}/configurations/{name}", func(w http.ResponseWriter, req *http.Request) {
			var body configurationRequest
			_ = json.NewDecoder(req.Body).Decode(&body)
			f.mu.Lock()
			f.configs[chi.URLParam(req, "name")] = body
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		})
		r.Put("/{id}/compilations/{name}", func(w http.ResponseWriter, req *http.Request) {
			var body compilationRequest
			_ = json.NewDecoder(req.Body).Decode(&body)
			f.mu.Lock()
			f.compilations[chi.URLParam(req, "name")] = body
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		})
		r.Get("/{id}/compilations/{name}", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			writeJSON(w, compilationResponse{Configuration: chi.URLParam(req, "name"), Status: f.compileState, Exception: "missing resource"})
		})
		r.Get("/{id}/nodes/{instance}", func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			status, ok := f.nodes[chi.URLParam(req, "instance")]
			if !ok {
				http.NotFound(w, req)
				return
			}
			writeJSON(w, nodeResponse{Name: chi.URLParam(req, "instance"), Status: status})
		})
	})
	return r
}

func (f *fakeService) set(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func setup(t *testing.T) (*fakeService, *Client, *engine.Session) {
	t.Helper()
	svc := newFakeService()
	srv := httptest.NewServer(svc.router())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL+"/v1/", WithLocation("westeurope"))
	require.NoError(t, err)
	return svc, client, &engine.Session{Client: srv.Client(), TenantID: "tenant"}
}

func TestNewClient_InvalidEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "not a url", "/relative/path"} {
		_, err := NewClient(endpoint)
		require.Error(t, err, endpoint)
		assert.True(t, engine.IsInput(err))
	}
}

func TestClient_AccountLifecycle(t *testing.T) {
	svc, client, session := setup(t)
	ctx := context.Background()

	id, err := client.EnsureAccount(ctx, session, "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, "acct-converge-01234567", id)
	require.Contains(t, svc.accounts, "converge-01234567")
	assert.Equal(t, "westeurope", svc.accounts["converge-01234567"].Location)
	assert.Equal(t, "0123456789abcdef", svc.accounts["converge-01234567"].Tags["run"])

	require.NoError(t, client.DeleteAccount(ctx, session, "converge-01234567"))
	assert.Empty(t, svc.accounts)

	// Already gone.
	require.NoError(t, client.DeleteAccount(ctx, session, "converge-01234567"))
}

func TestClient_PublishModule(t *testing.T) {
	svc, client, session := setup(t)
	ctx := context.Background()
	mod := engine.RequiredModule{Name: "iis", Version: "2.1.0", Source: "https://modules.example.com/iis-2.1.0.zip"}

	require.NoError(t, client.PublishModule(ctx, session, "acct", mod))
	assert.Equal(t, moduleRequest{Name: "iis", Version: "2.1.0", ContentLink: mod.Source}, svc.modules["iis"])

	done, state, err := client.ModuleExtracted(ctx, session, "acct", mod)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, stateSucceeded, state)

	svc.set(func() { svc.moduleState = "Creating" })
	done, state, err = client.ModuleExtracted(ctx, session, "acct", mod)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "Creating", state)

	svc.set(func() { svc.moduleState = stateFailed })
	_, _, err = client.ModuleExtracted(ctx, session, "acct", mod)
	require.Error(t, err)
	assert.Equal(t, engine.KindPublish, engine.KindOf(err))
	assert.False(t, engine.IsTransient(err))
	assert.Contains(t, err.Error(), "package is corrupt")
}

func TestClient_PublishConfiguration(t *testing.T) {
	svc, client, session := setup(t)
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "web.cue")
	require.NoError(t, os.WriteFile(src, []byte(`configuration: name: "web"`), 0o644))
	cfg := engine.Configuration{
		Name:         "web",
		Environments: []string{"WinA"},
		Parameters:   map[string]interface{}{"port": 443},
		Source:       src,
	}

	require.NoError(t, client.PublishConfiguration(ctx, session, "acct", cfg))
	assert.Equal(t, `configuration: name: "web"`, svc.configs["web"].Source)
	assert.Equal(t, []string{"WinA"}, svc.configs["web"].Environments)
	assert.Equal(t, "web", svc.compilations["web"].Configuration)
	assert.EqualValues(t, 443, svc.compilations["web"].Parameters["port"])

	done, _, err := client.CompilationFinished(ctx, session, "acct", cfg)
	require.NoError(t, err)
	assert.True(t, done)

	svc.set(func() { svc.compileState = "Running" })
	done, state, err := client.CompilationFinished(ctx, session, "acct", cfg)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, "Running", state)

	for _, status := range []string{statusFailed, statusSuspended, statusStopped} {
		svc.set(func() { svc.compileState = status })
		_, _, err = client.CompilationFinished(ctx, session, "acct", cfg)
		require.Error(t, err, status)
		assert.False(t, engine.IsTransient(err), status)
		assert.Contains(t, err.Error(), "missing resource")
	}
}

func TestClient_PublishConfigurationMissingSource(t *testing.T) {
	_, client, session := setup(t)
	cfg := engine.Configuration{Name: "web", Source: filepath.Join(t.TempDir(), "gone.cue")}

	err := client.PublishConfiguration(context.Background(), session, "acct", cfg)
	require.Error(t, err)
	assert.Equal(t, engine.KindPublish, engine.KindOf(err))
}

func TestClient_NodeCompliance(t *testing.T) {
	svc, client, session := setup(t)
	ctx := context.Background()
	svc.nodes["a1b2c3d4-web-WinA"] = "Compliant"
	svc.nodes["a1b2c3d4-web-WinB"] = "Rebooting"

	state, err := client.NodeCompliance(ctx, session, "acct", "a1b2c3d4-web-WinA")
	require.NoError(t, err)
	assert.Equal(t, engine.ComplianceCompliant, state)

	state, err = client.NodeCompliance(ctx, session, "acct", "a1b2c3d4-web-WinB")
	require.NoError(t, err)
	assert.Equal(t, engine.ComplianceUnknown, state)

	state, err = client.NodeCompliance(ctx, session, "acct", "not-registered")
	require.NoError(t, err)
	assert.Equal(t, engine.CompliancePending, state)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		code      int
		transient bool
		kind      engine.ErrorKind
	}{
		{http.StatusInternalServerError, true, engine.KindInternal},
		{http.StatusServiceUnavailable, true, engine.KindInternal},
		{http.StatusTooManyRequests, true, engine.KindInternal},
		{http.StatusBadRequest, false, engine.KindInternal},
		{http.StatusConflict, false, engine.KindInternal},
		{http.StatusForbidden, false, engine.KindAuthentication},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			svc, client, session := setup(t)
			svc.set(func() { svc.failWith = tt.code })

			_, _, err := client.CompilationFinished(context.Background(), session, "acct", engine.Configuration{Name: "web"})
			require.Error(t, err)
			assert.Equal(t, tt.transient, engine.IsTransient(err))
			assert.Equal(t, tt.kind, engine.KindOf(err))

			var se *StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
		})
	}
}

func TestClient_PublishFailuresArePublishErrors(t *testing.T) {
	svc, client, session := setup(t)
	svc.set(func() { svc.failWith = http.StatusBadGateway })
	ctx := context.Background()

	err := client.PublishModule(ctx, session, "acct", engine.RequiredModule{Name: "iis", Version: "1.0.0"})
	require.Error(t, err)
	assert.Equal(t, engine.KindPublish, engine.KindOf(err))

	err = client.PublishConfiguration(ctx, session, "acct", engine.Configuration{Name: "web"})
	require.Error(t, err)
	assert.Equal(t, engine.KindPublish, engine.KindOf(err))
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	client, err := NewClient(srv.URL)
	require.NoError(t, err)
	session := &engine.Session{Client: srv.Client()}
	srv.Close()

	_, _, err = client.ModuleExtracted(context.Background(), session, "acct", engine.RequiredModule{Name: "iis"})
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestClient_RequiresSession(t *testing.T) {
	client, err := NewClient("https://automation.example.com")
	require.NoError(t, err)

	_, err = client.EnsureAccount(context.Background(), nil, "run")
	require.Error(t, err)
	assert.True(t, engine.IsAuthentication(err))
}

func TestAccountName(t *testing.T) {
	assert.Equal(t, "converge-abc", AccountName("abc"))
	assert.Equal(t, "converge-12345678", AccountName("12345678-aaaa-bbbb"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short body", truncate("  short body\n"))

	// A three-byte rune straddles the limit.
	body := strings.Repeat("a", maxErrorBody-1) + "€" + "tail"
	got := truncate(body)
	assert.True(t, utf8.ValidString(got), "truncated text must be valid UTF-8")
	assert.Equal(t, strings.Repeat("a", maxErrorBody-1)+"...", got)

	exact := strings.Repeat("b", maxErrorBody+10)
	assert.Equal(t, strings.Repeat("b", maxErrorBody)+"...", truncate(exact))
}
