// Package evaluation runs benchmark instances against isolated runtimes: one
// runtime (and thus one sandbox) per instance, a bounded number in flight.
package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentrun/agentrun/pkg/action"
	"github.com/agentrun/agentrun/pkg/runtime"
)

// Instance is one benchmark task: a scripted sequence of actions.
type Instance struct {
	ID      string          `json:"id"`
	Actions []action.Action `json:"actions"`
}

// Result captures everything one instance produced.
type Result struct {
	InstanceID   string               `json:"instance_id"`
	Observations []action.Observation `json:"observations"`
	Error        string               `json:"error,omitempty"`
	Duration     time.Duration        `json:"duration"`
}

// RuntimeFactory builds a fresh runtime per instance so instances cannot
// contaminate each other.
type RuntimeFactory func(ctx context.Context, instanceID string) (runtime.Runtime, error)

// RunSweep evaluates all instances with at most parallel in flight. Results
// are positionally aligned with instances; per-instance failures land in
// Result.Error, never abort the sweep.
func RunSweep(ctx context.Context, instances []Instance, factory RuntimeFactory, parallel int) []Result {
	if parallel < 1 {
		parallel = 1
	}

	results := make([]Result, len(instances))
	g := new(errgroup.Group)
	g.SetLimit(parallel)

	for i, inst := range instances {
		g.Go(func() error {
			results[i] = runInstance(ctx, inst, factory)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runInstance(ctx context.Context, inst Instance, factory RuntimeFactory) Result {
	start := time.Now()
	result := Result{InstanceID: inst.ID}

	rt, err := factory(ctx, inst.ID)
	if err != nil {
		result.Error = fmt.Sprintf("building runtime: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	defer func() {
		if err := rt.Close(ctx); err != nil {
			slog.Warn("closing evaluation runtime", "instance", inst.ID, "error", err)
		}
	}()

	if err := rt.Connect(ctx); err != nil {
		result.Error = fmt.Sprintf("connecting runtime: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	for _, act := range inst.Actions {
		result.Observations = append(result.Observations, rt.RunAction(ctx, act))
	}
	result.Duration = time.Since(start)
	slog.Info("instance evaluated", "instance", inst.ID, "actions", len(inst.Actions), "took", result.Duration)
	return result
}

// LoadInstances reads a JSON array of instances from path.
func LoadInstances(path string) ([]Instance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading instances: %w", err)
	}
	var instances []Instance
	if err := json.Unmarshal(data, &instances); err != nil {
		return nil, fmt.Errorf("parsing instances: %w", err)
	}
	return instances, nil
}
