// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Bernard Contributors

package agent

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/bernard-dev/bernard/internal/provider"
	bernerr "github.com/bernard-dev/bernard/pkg/errors"
)

// ActionExecutor runs the action requests of one iteration. It returns one
// result per request in request order. Per-action failures are encoded in
// the result output; the error return is reserved for cancellation.
type ActionExecutor interface {
	Execute(ctx context.Context, reqs []ActionRequest, history []provider.Message) ([]ActionResult, error)
}

// Action is a callable tool.
type Action interface {
	Spec() ActionSpec
	Run(ctx context.Context, args any) (string, error)
}

// ActionFunc adapts a function into an Action.
type ActionFunc struct {
	Definition ActionSpec
	Fn         func(ctx context.Context, args any) (string, error)
}

func (f ActionFunc) Spec() ActionSpec { return f.Definition }

func (f ActionFunc) Run(ctx context.Context, args any) (string, error) {
	return f.Fn(ctx, args)
}

// ToolRegistry is a thread-safe set of actions keyed by name.
type ToolRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{actions: make(map[string]Action)}
}

// Register adds a. The respond name is reserved for the hand-off signal.
func (r *ToolRegistry) Register(a Action) error {
	name := a.Spec().Name
	if name == "" {
		return bernerr.New(bernerr.CodeAgentLoopInvalidInput, "action name is required")
	}
	if name == RespondActionName {
		return bernerr.New(bernerr.CodeAgentLoopInvalidInput,
			"action name is reserved: "+name, bernerr.FieldAction(name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = a
	return nil
}

// Lookup returns the action registered under name.
func (r *ToolRegistry) Lookup(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Specs returns every registered action spec sorted by name.
func (r *ToolRegistry) Specs() []ActionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ActionSpec, 0, len(r.actions))
	for _, a := range r.actions {
		specs = append(specs, a.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ToolNodeConfig holds dependencies for ToolNode.
type ToolNodeConfig struct {
	Registry *ToolRegistry
	// Timeout bounds each action. Zero disables the bound.
	Timeout time.Duration
	// Parallelism is the number of actions of one iteration run at once.
	// Values below 2 run actions sequentially.
	Parallelism int
	Logger      *slog.Logger
}

// ToolNode executes action requests against a ToolRegistry.
type ToolNode struct {
	registry    *ToolRegistry
	timeout     time.Duration
	parallelism int
	logger      *slog.Logger
}

var _ ActionExecutor = (*ToolNode)(nil)

// NewToolNode creates a ToolNode. Returns an error if the registry is nil.
func NewToolNode(cfg ToolNodeConfig) (*ToolNode, error) {
	if cfg.Registry == nil {
		return nil, bernerr.New(bernerr.CodeAgentLoopInvalidInput, "Registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolNode{
		registry:    cfg.Registry,
		timeout:     cfg.Timeout,
		parallelism: cfg.Parallelism,
		logger:      logger,
	}, nil
}

// Execute runs reqs and returns their results in request order.
func (n *ToolNode) Execute(ctx context.Context, reqs []ActionRequest, _ []provider.Message) ([]ActionResult, error) {
	results := make([]ActionResult, len(reqs))

	if n.parallelism < 2 || len(reqs) < 2 {
		for i, req := range reqs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i] = n.run(ctx, req)
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.parallelism)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = n.run(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (n *ToolNode) run(ctx context.Context, req ActionRequest) ActionResult {
	start := time.Now()
	result := ActionResult{RequestID: req.ID, Name: req.Name}

	action, ok := n.registry.Lookup(req.Name)
	if !ok {
		result.Output = ErrorResult(bernerr.New(bernerr.CodeAgentActionNotFound,
			fmt.Sprintf("unknown action %q", req.Name), bernerr.FieldAction(req.Name)))
		result.Latency = time.Since(start)
		return result
	}

	execCtx := ctx
	if n.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	out, err := n.invoke(execCtx, action, req)
	result.Latency = time.Since(start)
	switch {
	case err != nil && stderrors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Output = ErrorResult(bernerr.Wrapf(err, bernerr.CodeAgentActionTimeout,
			"action %q timed out after %s", req.Name, n.timeout))
	case err != nil:
		result.Output = ErrorResult(err)
	default:
		result.Output = out
	}

	if err != nil {
		n.logger.WarnContext(ctx, "action failed",
			"action", req.Name,
			"request_id", req.ID,
			"latency", result.Latency,
			"error", err,
		)
	}
	return result
}

// invoke calls the action, converting a panic into an error.
func (n *ToolNode) invoke(ctx context.Context, action Action, req ActionRequest) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.ErrorContext(ctx, "action panic recovered",
				"action", req.Name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = bernerr.Errorf(bernerr.CodeAgentActionFailure, "action %q panicked: %v", req.Name, r)
		}
	}()
	return action.Run(ctx, req.Args)
}

// truncateUTF8 cuts s to at most n bytes on a rune boundary.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
