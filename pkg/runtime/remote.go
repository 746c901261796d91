package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/agentrun/agentrun/pkg/action"
	"github.com/agentrun/agentrun/pkg/retry"
)

// Remote talks to a runtime server over HTTP: the sandbox lives on another
// host, only actions and observations travel. Endpoints: GET /alive,
// POST /execute_action, GET /logs/{id}, POST /kill/{id}, POST /close.
type Remote struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	state State
}

var _ Runtime = (*Remote)(nil)

// NewRemote builds a disconnected remote runtime for baseURL.
func NewRemote(baseURL string) *Remote {
	return &Remote{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
		state:   StateUninitialized,
	}
}

// Connect probes the server's liveness endpoint with bounded retries; remote
// runtimes are typically still booting when the session starts.
func (r *Remote) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return errors.New("runtime is closed")
	}
	r.state = StateStarting
	r.mu.Unlock()

	_, err := retry.Do(ctx, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/alive", nil)
		if err != nil {
			return struct{}{}, retry.Permanent(err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return struct{}{}, fmt.Errorf("runtime server not ready: %s", resp.Status)
		}
		return struct{}{}, nil
	}, retry.Defaults())
	if err != nil {
		r.setState(StateUninitialized)
		return fmt.Errorf("runtime server at %s never became alive: %w", r.baseURL, err)
	}

	r.setState(StateRunning)
	return nil
}

// RunAction ships the action to the server and returns its observation.
// Transport failures become error observations.
func (r *Remote) RunAction(ctx context.Context, act action.Action) action.Observation {
	if !act.Runnable() {
		return action.NewNullObservation()
	}
	if r.State() != StateRunning {
		return action.NewErrorObservation(fmt.Sprintf("runtime is %s", r.State()))
	}

	body, err := json.Marshal(act)
	if err != nil {
		return action.NewErrorObservation(fmt.Sprintf("encoding action: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/execute_action", bytes.NewReader(body))
	if err != nil {
		return action.NewErrorObservation(fmt.Sprintf("building request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return action.NewErrorObservation(fmt.Sprintf("runtime server unreachable: %v", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return action.NewErrorObservation(fmt.Sprintf("runtime server returned %s: %s", resp.Status, msg))
	}

	var obs action.Observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return action.NewErrorObservation(fmt.Sprintf("decoding observation: %v", err))
	}
	return obs
}

// ReadLogs fetches new background output from the server.
func (r *Remote) ReadLogs(id int) (string, error) {
	resp, err := r.client.Get(r.baseURL + "/logs/" + strconv.Itoa(id))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("reading logs for %d: %s: %s", id, resp.Status, msg)
	}
	out, err := io.ReadAll(resp.Body)
	return string(out), err
}

// KillBackground asks the server to kill a background command.
func (r *Remote) KillBackground(ctx context.Context, id int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/kill/"+strconv.Itoa(id), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("killing %d: %s: %s", id, resp.Status, msg)
	}
	return nil
}

// State reports the current lifecycle phase.
func (r *Remote) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Close notifies the server and marks the runtime closed. Best-effort: an
// unreachable server cannot block session shutdown.
func (r *Remote) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateClosed {
		r.mu.Unlock()
		return nil
	}
	wasRunning := r.state == StateRunning
	r.state = StateClosed
	r.mu.Unlock()

	if !wasRunning {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/close", nil)
	if err != nil {
		return nil
	}
	if resp, err := r.client.Do(req); err == nil {
		resp.Body.Close()
	}
	return nil
}

func (r *Remote) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}
