package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nwbconvert/kernel/pkg/kernerr"
	"github.com/nwbconvert/kernel/pkg/session"
)

// Response is the handler's return value, passed back to the dispatcher
// verbatim.
type Response = map[string]any

// Handler is a named agent's entry point: (action, context, session
// snapshot) -> response.
type Handler func(action string, ctx map[string]any, snapshot *session.State) (Response, error)

// AgentHandler pairs a Handler with the set of actions it declares.
// The wire format stays string-based for the external interface; in-process
// callers get UnknownAction as soon as an action outside this set is used.
type AgentHandler struct {
	Handle  Handler
	Actions map[string]struct{}
}

// NewAgentHandler builds an AgentHandler from its Handle func and the
// legal action names.
func NewAgentHandler(handle Handler, actions ...string) AgentHandler {
	set := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return AgentHandler{Handle: handle, Actions: set}
}

// Registry is the message bus: a map from target_agent to AgentHandler,
// plus the single serialization lane that keeps dispatch sequential.
type Registry struct {
	store *session.Store
	log   *slog.Logger

	mu       sync.Mutex // lane: held for the full duration of a root dispatch
	agents   map[string]AgentHandler
	agentsMu sync.RWMutex

	stackMu sync.Mutex
	stack   []Envelope // nested-dispatch call stack, root-first
}

// NewRegistry builds a Registry bound to store for snapshot injection.
func NewRegistry(store *session.Store) *Registry {
	return &Registry{
		store:  store,
		log:    slog.Default().With("component", "bus"),
		agents: make(map[string]AgentHandler),
	}
}

// Register adds a named handler to the registry.
func (r *Registry) Register(name string, h AgentHandler) {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	r.agents[name] = h
}

// Unregister removes a named handler.
func (r *Registry) Unregister(name string) {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	delete(r.agents, name)
}

// ListAgents returns the currently registered agent names.
func (r *Registry) ListAgents() []string {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}

func (r *Registry) lookup(name string) (AgentHandler, bool) {
	r.agentsMu.RLock()
	defer r.agentsMu.RUnlock()
	h, ok := r.agents[name]
	return h, ok
}

// Dispatch routes env to its target handler. The outermost
// call for a session acquires the serialization lane and holds it for the
// full nested call tree: a handler
// may dispatch to another agent, but no two root dispatches on this
// Registry ever overlap.
func (r *Registry) Dispatch(env Envelope) (resp Response, err error) {
	root := r.pushStack(&env)
	if root {
		r.mu.Lock()
		defer r.mu.Unlock()
		defer r.popAll()
	} else {
		defer r.popOne()
	}

	start := time.Now()
	resp, err = r.dispatchLocked(env)
	r.logDispatch(env, start, err)
	return resp, err
}

func (r *Registry) dispatchLocked(env Envelope) (resp Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = kernerr.New("bus", kernerr.CodeAgentInvocationError,
				fmt.Sprintf("handler panicked: %v", rec),
				map[string]any{"message_id": env.MessageID, "target_agent": env.TargetAgent, "action": env.Action})
		}
	}()

	handler, ok := r.lookup(env.TargetAgent)
	if !ok {
		return nil, kernerr.New("bus", kernerr.CodeAgentNotRegistered,
			fmt.Sprintf("no agent registered as %q", env.TargetAgent),
			map[string]any{"message_id": env.MessageID, "target_agent": env.TargetAgent})
	}
	if _, ok := handler.Actions[env.Action]; !ok {
		return nil, kernerr.New("bus", kernerr.CodeUnknownAction,
			fmt.Sprintf("agent %q does not declare action %q", env.TargetAgent, env.Action),
			map[string]any{"message_id": env.MessageID, "target_agent": env.TargetAgent, "action": env.Action})
	}

	snap := r.store.GetSnapshot()
	env = env.WithSnapshot(snap)

	resp, hErr := handler.Handle(env.Action, env.Context, snap)
	if hErr != nil {
		if _, ok := hErr.(*kernerr.Envelope); ok {
			return nil, hErr
		}
		return nil, kernerr.Wrap(hErr, "bus", kernerr.CodeAgentInvocationError, "",
			map[string]any{"message_id": env.MessageID, "target_agent": env.TargetAgent, "action": env.Action}).
			WithStateDigest(snap)
	}
	return resp, nil
}

// pushStack records env on the call stack, assigning correlation_id from
// the root envelope when absent, and reports whether this push
// started a new root dispatch.
func (r *Registry) pushStack(env *Envelope) bool {
	r.stackMu.Lock()
	defer r.stackMu.Unlock()

	root := len(r.stack) == 0
	if env.CorrelationID == "" {
		if root {
			env.CorrelationID = env.MessageID
		} else {
			env.CorrelationID = r.stack[0].CorrelationID
		}
	}
	r.stack = append(r.stack, *env)
	return root
}

func (r *Registry) popOne() {
	r.stackMu.Lock()
	defer r.stackMu.Unlock()
	if len(r.stack) > 0 {
		r.stack = r.stack[:len(r.stack)-1]
	}
}

func (r *Registry) popAll() {
	r.stackMu.Lock()
	defer r.stackMu.Unlock()
	r.stack = nil
}

func (r *Registry) logDispatch(env Envelope, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.store.AppendLog("info", "bus dispatch", map[string]any{
		"message_id":     env.MessageID,
		"correlation_id": env.CorrelationID,
		"source_agent":   env.SourceAgent,
		"target_agent":   env.TargetAgent,
		"action":         env.Action,
		"duration_ms":    time.Since(start).Milliseconds(),
		"outcome":        outcome,
	})
	r.log.Info("dispatch",
		"message_id", env.MessageID,
		"target_agent", env.TargetAgent,
		"action", env.Action,
		"duration", time.Since(start),
		"outcome", outcome)
}
