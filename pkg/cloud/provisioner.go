package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/convergence/pkg/engine"
	"github.com/openfroyo/convergence/pkg/transports/ssh"
)

// RemoteBootstrapPath is where the bootstrap script is uploaded on the instance.
const RemoteBootstrapPath = "/tmp/converge/register-node.sh"

// Instance provisioning states reported by the compute API.
const (
	StateCreating  = "Creating"
	StateSucceeded = "Succeeded"
	StateFailed    = "Failed"
)

// DialFunc opens a transport to an instance.
type DialFunc func(ctx context.Context, config *ssh.Config) (ssh.Transport, error)

// Provisioner creates test instances through the compute API and bootstraps
// them over SSH so their node registers with the automation account. It
// implements engine.InstanceProvisioner.
type Provisioner struct {
	// Endpoint is the compute API base URL.
	Endpoint string

	// Size is the instance size requested for every instance.
	Size string

	// AutomationEndpoint is passed to the bootstrap script for node registration.
	AutomationEndpoint string

	// BootstrapScript is the local script uploaded to and run on each instance.
	BootstrapScript string

	// SSH holds the connection settings; Host is filled in per instance.
	SSH ssh.Config

	// PollInterval and PollTimeout pace the wait for the instance and its SSH daemon.
	PollInterval time.Duration
	PollTimeout  time.Duration

	// Dial opens the bootstrap transport. Nil uses ssh.Dial.
	Dial DialFunc

	Logger zerolog.Logger
}

type instanceRequest struct {
	Name  string            `json:"name"`
	Image string            `json:"image"`
	Size  string            `json:"size,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

type instanceResponse struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ProvisioningState string `json:"provisioningState"`
	Address           string `json:"address,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Provision creates the instance for req, waits until it is running and
// reachable over SSH, then runs the bootstrap script on it. On failure after
// creation the instance is deleted before the error is returned.
func (p *Provisioner) Provision(ctx context.Context, session *engine.Session, accountID string, req engine.ProvisionRequest, out io.Writer) (*engine.Instance, error) {
	name := req.InstanceName()
	logger := p.Logger.With().Str("instance", name).Logger()

	body := instanceRequest{
		Name:  name,
		Image: req.Environment,
		Size:  p.Size,
		Tags: map[string]string{
			"run":           req.RunID,
			"configuration": req.Configuration.Name,
			"environment":   req.Environment,
		},
	}

	var created instanceResponse
	fmt.Fprintf(out, "creating instance %s from image %s\n", name, req.Environment)
	if err := p.do(ctx, session, http.MethodPut, p.instanceURL(name), body, &created); err != nil {
		return nil, fmt.Errorf("failed to create instance %s: %w", name, err)
	}
	logger.Info().Str("id", created.ID).Msg("Instance requested")

	inst := &engine.Instance{
		Name:          name,
		ID:            created.ID,
		Configuration: req.Configuration.Name,
		Environment:   req.Environment,
		Address:       created.Address,
	}

	if err := p.bringUp(ctx, session, accountID, req, inst, out); err != nil {
		fmt.Fprintf(out, "provisioning failed, deleting instance %s\n", name)
		if derr := p.Deprovision(context.WithoutCancel(ctx), session, *inst); derr != nil {
			logger.Warn().Err(derr).Msg("Failed to delete instance after provisioning failure")
		}
		return nil, err
	}
	return inst, nil
}

func (p *Provisioner) bringUp(ctx context.Context, session *engine.Session, accountID string, req engine.ProvisionRequest, inst *engine.Instance, out io.Writer) error {
	err := engine.PollUntil(ctx, func(ctx context.Context) (bool, string, error) {
		var res instanceResponse
		if err := p.do(ctx, session, http.MethodGet, p.instanceURL(inst.Name), nil, &res); err != nil {
			return false, "", err
		}
		switch res.ProvisioningState {
		case StateSucceeded:
			if res.Address == "" {
				return false, "running without address", nil
			}
			if res.ID != "" {
				inst.ID = res.ID
			}
			inst.Address = res.Address
			return true, res.ProvisioningState, nil
		case StateFailed:
			msg := res.Error
			if msg == "" {
				msg = "provisioning failed"
			}
			return false, res.ProvisioningState, engine.NewPermanentError(fmt.Sprintf("instance %s: %s", inst.Name, msg), nil).
				WithSubject(inst.Name)
		default:
			return false, res.ProvisioningState, nil
		}
	}, p.PollInterval, p.PollTimeout)
	if err != nil {
		return fmt.Errorf("instance %s did not start: %w", inst.Name, err)
	}
	fmt.Fprintf(out, "instance %s running at %s\n", inst.Name, inst.Address)

	transport, err := p.connect(ctx, inst.Address)
	if err != nil {
		return fmt.Errorf("instance %s is not reachable over SSH: %w", inst.Name, err)
	}
	defer func() { _ = transport.Close() }()

	return p.bootstrap(ctx, transport, accountID, req, inst, out)
}

// connect retries the SSH dial until the daemon accepts the connection.
func (p *Provisioner) connect(ctx context.Context, address string) (ssh.Transport, error) {
	cfg := p.SSH
	cfg.Host = address

	dial := p.Dial
	if dial == nil {
		logger := p.Logger
		dial = func(ctx context.Context, config *ssh.Config) (ssh.Transport, error) {
			return ssh.Dial(ctx, config, logger)
		}
	}

	var transport ssh.Transport
	err := engine.PollUntil(ctx, func(ctx context.Context) (bool, string, error) {
		t, err := dial(ctx, &cfg)
		if err != nil {
			if ssh.IsTemporary(err) {
				return false, "", engine.NewTransientError("ssh not ready", err)
			}
			return false, "", engine.NewPermanentError("ssh connection rejected", err)
		}
		transport = t
		return true, "connected", nil
	}, p.PollInterval, p.PollTimeout)
	return transport, err
}

func (p *Provisioner) bootstrap(ctx context.Context, transport ssh.Transport, accountID string, req engine.ProvisionRequest, inst *engine.Instance, out io.Writer) error {
	script, err := os.Open(p.BootstrapScript)
	if err != nil {
		return engine.NewPermanentError("failed to open bootstrap script", err).WithSubject(p.BootstrapScript)
	}
	defer script.Close()

	if err := transport.Upload(ctx, script, RemoteBootstrapPath, 0o755); err != nil {
		return fmt.Errorf("failed to upload bootstrap script: %w", err)
	}
	fmt.Fprintf(out, "uploaded bootstrap script to %s\n", RemoteBootstrapPath)

	cmd := BootstrapCommand(p.AutomationEndpoint, accountID, req.Configuration.Name, req.Environment, inst.Name)
	if err := transport.Run(ctx, cmd, out, out); err != nil {
		return engine.NewPermanentError(fmt.Sprintf("bootstrap of %s failed", inst.Name), err).WithSubject(inst.Name)
	}
	fmt.Fprintf(out, "node %s registered with account %s\n", inst.Name, accountID)
	return nil
}

// BootstrapCommand builds the remote command line that registers a node.
func BootstrapCommand(endpoint, accountID, configuration, environment, node string) string {
	args := []string{
		"sudo", RemoteBootstrapPath,
		"--endpoint", endpoint,
		"--account", accountID,
		"--configuration", configuration,
		"--environment", environment,
		"--node", node,
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./:=@", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// Deprovision deletes an instance. A missing instance is not an error.
func (p *Provisioner) Deprovision(ctx context.Context, session *engine.Session, inst engine.Instance) error {
	err := p.do(ctx, session, http.MethodDelete, p.instanceURL(inst.Name), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", inst.Name, err)
	}
	return nil
}

func (p *Provisioner) instanceURL(name string) string {
	return strings.TrimRight(p.Endpoint, "/") + "/instances/" + url.PathEscape(name)
}

// StatusError is a non-2xx response from the compute API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.Code, e.Body)
}

func (p *Provisioner) do(ctx context.Context, session *engine.Session, method, target string, body, out interface{}) error {
	if session == nil || session.Client == nil {
		return engine.NewAuthenticationError("compute request without a session", nil)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return engine.NewPermanentError("failed to marshal request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return engine.NewPermanentError("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := session.Client.Do(req)
	if err != nil {
		return engine.NewTransientError(fmt.Sprintf("%s %s failed", method, req.URL.Path), err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.NewTransientError("failed to read response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return engine.NewTransientError(fmt.Sprintf("%s %s", method, req.URL.Path), se)
		}
		return engine.NewPermanentError(fmt.Sprintf("%s %s", method, req.URL.Path), se).WithDetail("status", resp.StatusCode)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return engine.NewPermanentError("failed to parse response", err)
	}
	return nil
}

var _ engine.InstanceProvisioner = (*Provisioner)(nil)
