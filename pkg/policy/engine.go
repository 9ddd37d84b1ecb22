package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetsetup/pkg/engine"
)

var _ engine.ApprovalPolicy = (*Engine)(nil)

// Engine evaluates Rego approval policies against setup requests.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	now      func() time.Time
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine, with the built-in policies loaded when
// builtins is true.
func NewEngine(logger zerolog.Logger, builtins bool) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		now:      time.Now,
	}

	if builtins {
		policies := GetBuiltinPolicies()
		for i := range policies {
			if err := e.compileAndStorePolicy(context.Background(), &policies[i]); err != nil {
				return nil, fmt.Errorf("failed to compile built-in policy %s: %w", policies[i].Name, err)
			}
		}
		e.logger.Debug().Int("count", len(policies)).Msg("Built-in policies loaded")
	}

	return e, nil
}

// EvaluateApproval evaluates every enabled policy against req as approved by
// approver. Blocking violations deny approval; the others are returned as
// warnings. A policy that fails to evaluate denies approval.
func (e *Engine) EvaluateApproval(ctx context.Context, req *engine.SetupRequest, approver string) (*engine.PolicyDecision, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	start := e.now()
	input := &ApprovalInput{
		Request:  req,
		Approver: approver,
		Context: ApprovalContext{
			Timestamp: start.UTC(),
			Operation: "approve",
		},
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &engine.PolicyDecision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("request_id", req.ID).
				Msg("Policy evaluation failed")
			violations = []engine.PolicyViolation{{
				Policy:   name,
				Message:  fmt.Sprintf("policy evaluation failed: %v", err),
				Severity: string(SeverityError),
			}}
		}

		for _, v := range violations {
			if Severity(v.Severity).Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
				continue
			}
			decision.Warnings = append(decision.Warnings, formatWarning(v))
		}
	}

	e.logger.Debug().
		Str("request_id", req.ID).
		Str("approver", approver).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Int("warnings", len(decision.Warnings)).
		Dur("duration", e.now().Sub(start)).
		Msg("Approval policy evaluation completed")

	return decision, nil
}

func formatWarning(v engine.PolicyViolation) string {
	if v.Machine != "" {
		return fmt.Sprintf("%s: %s (%s)", v.Policy, v.Message, v.Machine)
	}
	return fmt.Sprintf("%s: %s", v.Policy, v.Message)
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *ApprovalInput) ([]engine.PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []engine.PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("deny must be a set, got %T", result.Expressions[0].Value)
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a PolicyViolation from a deny element.
func createViolation(policy *Policy, result interface{}) engine.PolicyViolation {
	violation := engine.PolicyViolation{
		Policy:   policy.Name,
		Severity: string(policy.Severity),
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
		if machine, ok := v["machine"].(string); ok {
			violation.Machine = machine
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	if violation.Severity == "" {
		violation.Severity = string(SeverityWarning)
	}
	return violation
}

// compileAndStorePolicy compiles a policy and stores it. Callers hold e.mu
// or own e exclusively.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil || module.Package == nil {
		return fmt.Errorf("policy has no package")
	}
	if !definesDeny(module) {
		return fmt.Errorf("policy %s does not define deny", module.Package.Path)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: e.now(),
	}

	e.logger.Debug().Str("policy", policy.Name).Msg("Policy compiled successfully")
	return nil
}

func definesDeny(module *ast.Module) bool {
	for _, rule := range module.Rules {
		if ref := rule.Head.Ref(); len(ref) > 0 && ref[0].Value.String() == "deny" {
			return true
		}
	}
	return false
}

// LoadPolicies compiles the given policies, replacing any previously loaded
// policy of the same name. Nothing is replaced if one fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, policies []Policy) error {
	staging, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range staging.policies {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("Custom policy overrides built-in policy")
		}
		e.policies[name] = cp
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded successfully")
	return nil
}

// ReplaceCustomPolicies drops every non-built-in policy and loads policies.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	staging, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range staging.policies {
		e.policies[name] = cp
	}
	return nil
}

// compileAll compiles policies into a detached engine.
func (e *Engine) compileAll(ctx context.Context, policies []Policy) (*Engine, error) {
	staging := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger, now: e.now}
	for i := range policies {
		p := policies[i]
		if err := staging.compileAndStorePolicy(ctx, &p); err != nil {
			return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}
	return staging, nil
}

// sortedNames returns policy names in a stable order. Callers hold e.mu.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
