package cloud

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
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/transports/ssh"
)

func tokenServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/{tenant}/token", func(w http.ResponseWriter, req *http.Request) {
		_ = req.ParseForm()
		id, secret, ok := req.BasicAuth()
		if !ok {
			id, secret = req.PostForm.Get("client_id"), req.PostForm.Get("client_secret")
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"temporarily_unavailable"}`))
			return
		}
		if req.PostForm.Get("grant_type") != "client_credentials" || id != "app" || secret != "s3cret" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "tok-" + chi.URLParam(req, "tenant"),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthenticator_Authenticate(t *testing.T) {
	tokens := tokenServer(t, http.StatusOK)

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer api.Close()

	auth := NewAuthenticator(tokens.URL+"/{tenant}/token", []string{"automation/.default"})
	session, err := auth.Authenticate(context.Background(), engine.Credentials{ApplicationID: "app", Secret: "s3cret", TenantID: "contoso"})
	require.NoError(t, err)

	assert.Equal(t, "contoso", session.TenantID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, time.Minute)

	resp, err := session.Client.Get(api.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, "Bearer tok-contoso", gotAuth)
}

func TestAuthenticator_SessionsAreIndependent(t *testing.T) {
	tokens := tokenServer(t, http.StatusOK)
	auth := NewAuthenticator(tokens.URL+"/{tenant}/token", nil)
	creds := engine.Credentials{ApplicationID: "app", Secret: "s3cret", TenantID: "contoso"}

	a, err := auth.Authenticate(context.Background(), creds)
	require.NoError(t, err)
	b, err := auth.Authenticate(context.Background(), creds)
	require.NoError(t, err)
	assert.NotSame(t, a.Client, b.Client)
}

func TestAuthenticator_ConcurrentLegs(t *testing.T) {
	tokens := tokenServer(t, http.StatusOK)
	auth := NewAuthenticator(tokens.URL+"/{tenant}/token", nil)
	creds := engine.Credentials{ApplicationID: "app", Secret: "s3cret", TenantID: "contoso"}

	const legs = 8
	var wg sync.WaitGroup
	errs := make([]error, legs)
	sessions := make([]*engine.Session, legs)
	for i := 0; i < legs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = auth.Authenticate(context.Background(), creds)
		}(i)
	}
	wg.Wait()

	for i := 0; i < legs; i++ {
		require.NoError(t, errs[i], "leg %d", i)
		assert.Equal(t, "contoso", sessions[i].TenantID)
	}
}

func TestAuthenticator_Errors(t *testing.T) {
	t.Run("rejected secret", func(t *testing.T) {
		tokens := tokenServer(t, http.StatusOK)
		auth := NewAuthenticator(tokens.URL+"/{tenant}/token", nil)

		_, err := auth.Authenticate(context.Background(), engine.Credentials{ApplicationID: "app", Secret: "wrong", TenantID: "contoso"})
		require.Error(t, err)
		assert.True(t, engine.IsAuthentication(err))
	})

	t.Run("incomplete credentials", func(t *testing.T) {
		auth := NewAuthenticator("http://127.0.0.1:1/{tenant}/token", nil)

		_, err := auth.Authenticate(context.Background(), engine.Credentials{ApplicationID: "app", TenantID: "contoso"})
		require.Error(t, err)
		assert.True(t, engine.IsAuthentication(err))
	})

	t.Run("endpoint unavailable", func(t *testing.T) {
		tokens := tokenServer(t, http.StatusServiceUnavailable)
		auth := NewAuthenticator(tokens.URL+"/{tenant}/token", nil)

		_, err := auth.Authenticate(context.Background(), engine.Credentials{ApplicationID: "app", Secret: "s3cret", TenantID: "contoso"})
		require.Error(t, err)
		assert.True(t, engine.IsTransient(err))
	})
}

// fakeCompute is an in-memory compute API.
type fakeCompute struct {
	mu        sync.Mutex
	instances map[string]instanceRequest
	polls     map[string]int
	readyAt   int
	failWith  string
	deleted   []string
}

func (f *fakeCompute) router() http.Handler {
	r := chi.NewRouter()
	r.Put("/instances/{name}", func(w http.ResponseWriter, req *http.Request) {
		var body instanceRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.instances[body.Name] = body
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(instanceResponse{ID: "vm-" + body.Name, Name: body.Name, ProvisioningState: StateCreating})
	})
	r.Get("/instances/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		f.mu.Lock()
		defer f.mu.Unlock()
		f.polls[name]++
		res := instanceResponse{ID: "vm-" + name, Name: name, ProvisioningState: StateCreating}
		switch {
		case f.failWith != "":
			res.ProvisioningState = StateFailed
			res.Error = f.failWith
		case f.polls[name] >= f.readyAt:
			res.ProvisioningState = StateSucceeded
			res.Address = "10.0.0.5"
		}
		_ = json.NewEncoder(w).Encode(res)
	})
	r.Delete("/instances/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.instances[name]; !ok {
			http.NotFound(w, req)
			return
		}
		delete(f.instances, name)
		f.deleted = append(f.deleted, name)
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// fakeTransport records what the bootstrap does.
type fakeTransport struct {
	uploaded string
	path     string
	mode     os.FileMode
	commands []string
	runErr   error
	closed   bool
}

func (f *fakeTransport) Run(_ context.Context, cmd string, stdout, _ io.Writer) error {
	f.commands = append(f.commands, cmd)
	_, _ = io.WriteString(stdout, "node registered\n")
	return f.runErr
}

func (f *fakeTransport) Upload(_ context.Context, content io.Reader, remotePath string, mode os.FileMode) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.uploaded, f.path, f.mode = string(data), remotePath, mode
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type provisionerFixture struct {
	compute   *fakeCompute
	transport *fakeTransport
	dials     []string
	dialErrs  []error
	prov      *Provisioner
	session   *engine.Session
}

func newProvisionerFixture(t *testing.T) *provisionerFixture {
	t.Helper()
	fx := &provisionerFixture{
		compute:   &fakeCompute{instances: map[string]instanceRequest{}, polls: map[string]int{}, readyAt: 3},
		transport: &fakeTransport{},
	}
	srv := httptest.NewServer(fx.compute.router())
	t.Cleanup(srv.Close)

	script := filepath.Join(t.TempDir(), "register-node.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	fx.prov = &Provisioner{
		Endpoint:           srv.URL,
		Size:               "small",
		AutomationEndpoint: "https://automation.example.com",
		BootstrapScript:    script,
		SSH:                *ssh.DefaultConfig("", "converge"),
		PollInterval:       5 * time.Millisecond,
		PollTimeout:        2 * time.Second,
		Logger:             zerolog.Nop(),
		Dial: func(_ context.Context, config *ssh.Config) (ssh.Transport, error) {
			fx.dials = append(fx.dials, config.Host)
			if len(fx.dialErrs) > 0 {
				err := fx.dialErrs[0]
				fx.dialErrs = fx.dialErrs[1:]
				return nil, err
			}
			return fx.transport, nil
		},
	}
	fx.session = &engine.Session{Client: srv.Client()}
	return fx
}

func webRequest() engine.ProvisionRequest {
	return engine.ProvisionRequest{
		RunID:         "a1b2c3d4-0000-0000-0000-000000000000",
		Configuration: engine.Configuration{Name: "web", Environments: []string{"WinA"}},
		Environment:   "WinA",
	}
}

func TestProvisioner_Provision(t *testing.T) {
	fx := newProvisionerFixture(t)
	var out bytes.Buffer

	inst, err := fx.prov.Provision(context.Background(), fx.session, "acct-1", webRequest(), &out)
	require.NoError(t, err)

	assert.Equal(t, engine.Instance{
		Name:          "a1b2c3d4-web-WinA",
		ID:            "vm-a1b2c3d4-web-WinA",
		Configuration: "web",
		Environment:   "WinA",
		Address:       "10.0.0.5",
	}, *inst)

	created := fx.compute.instances["a1b2c3d4-web-WinA"]
	assert.Equal(t, "WinA", created.Image)
	assert.Equal(t, "small", created.Size)
	assert.Equal(t, "web", created.Tags["configuration"])
	assert.Equal(t, 3, fx.compute.polls["a1b2c3d4-web-WinA"])

	assert.Equal(t, []string{"10.0.0.5"}, fx.dials)
	assert.Equal(t, "#!/bin/sh\nexit 0\n", fx.transport.uploaded)
	assert.Equal(t, RemoteBootstrapPath, fx.transport.path)
	assert.Equal(t, os.FileMode(0o755), fx.transport.mode)
	require.Len(t, fx.transport.commands, 1)
	assert.Equal(t, BootstrapCommand("https://automation.example.com", "acct-1", "web", "WinA", "a1b2c3d4-web-WinA"), fx.transport.commands[0])
	assert.True(t, fx.transport.closed)

	for _, want := range []string{"creating instance a1b2c3d4-web-WinA", "running at 10.0.0.5", "node registered"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestProvisioner_RetriesSSHUntilReady(t *testing.T) {
	fx := newProvisionerFixture(t)
	notReady := &ssh.TransportError{Op: "connect", Err: errors.New("connection refused"), IsTemporary: true}
	fx.dialErrs = []error{notReady, notReady}

	_, err := fx.prov.Provision(context.Background(), fx.session, "acct-1", webRequest(), io.Discard)
	require.NoError(t, err)
	assert.Len(t, fx.dials, 3)
}

func TestProvisioner_FailuresDeleteInstance(t *testing.T) {
	tests := []struct {
		name  string
		setup func(fx *provisionerFixture)
		want  string
	}{
		{
			name:  "instance failed",
			setup: func(fx *provisionerFixture) { fx.compute.failWith = "quota exceeded" },
			want:  "quota exceeded",
		},
		{
			name: "ssh rejected",
			setup: func(fx *provisionerFixture) {
				fx.dialErrs = []error{&ssh.TransportError{Op: "connect", Err: errors.New("unable to authenticate"), IsAuthError: true}}
			},
			want: "not reachable over SSH",
		},
		{
			name: "bootstrap failed",
			setup: func(fx *provisionerFixture) {
				fx.transport.runErr = &ssh.TransportError{Op: "run", Err: errors.New("command exited with code 1"), ExitCode: 1}
			},
			want: "bootstrap of a1b2c3d4-web-WinA failed",
		},
		{
			name: "bootstrap script missing",
			setup: func(fx *provisionerFixture) {
				fx.prov.BootstrapScript = filepath.Join(os.TempDir(), "does-not-exist.sh")
			},
			want: "bootstrap script",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newProvisionerFixture(t)
			tt.setup(fx)
			var out bytes.Buffer

			inst, err := fx.prov.Provision(context.Background(), fx.session, "acct-1", webRequest(), &out)
			require.Error(t, err)
			assert.Nil(t, inst)
			assert.Contains(t, err.Error(), tt.want)
			assert.False(t, engine.IsTransient(err))

			assert.Equal(t, []string{"a1b2c3d4-web-WinA"}, fx.compute.deleted)
			assert.Contains(t, out.String(), "deleting instance")
		})
	}
}

func TestProvisioner_PollTimeout(t *testing.T) {
	fx := newProvisionerFixture(t)
	fx.compute.readyAt = 1 << 30
	fx.prov.PollTimeout = 50 * time.Millisecond

	_, err := fx.prov.Provision(context.Background(), fx.session, "acct-1", webRequest(), io.Discard)
	require.Error(t, err)
	assert.Equal(t, engine.KindPollTimeout, engine.KindOf(err))

	var pt *engine.PollTimeoutError
	require.ErrorAs(t, err, &pt)
	assert.Equal(t, StateCreating, pt.LastState)
}

func TestProvisioner_Deprovision(t *testing.T) {
	fx := newProvisionerFixture(t)
	ctx := context.Background()

	inst, err := fx.prov.Provision(ctx, fx.session, "acct-1", webRequest(), io.Discard)
	require.NoError(t, err)

	require.NoError(t, fx.prov.Deprovision(ctx, fx.session, *inst))
	assert.Equal(t, []string{inst.Name}, fx.compute.deleted)

	// Already gone.
	require.NoError(t, fx.prov.Deprovision(ctx, fx.session, *inst))
}

func TestBootstrapCommand(t *testing.T) {
	cmd := BootstrapCommand("https://automation.example.com/v1", "acct 1", "web", "Win'A", "node-1")
	assert.Equal(t,
		`sudo /tmp/converge/register-node.sh --endpoint https://automation.example.com/v1 --account 'acct 1' --configuration web --environment 'Win'"'"'A' --node node-1`,
		cmd)
	assert.True(t, strings.HasPrefix(BootstrapCommand("", "a", "b", "c", "d"), "sudo /tmp/converge/register-node.sh --endpoint '' "))
}
