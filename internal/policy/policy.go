// Package policy decides whether a subject may perform an action on a model
// class. Rules come from a policy document keyed by class and action; each rule
// names the roles it grants and may narrow them with a CEL condition.
package policy

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/l0p7/immogest/internal/config"
	"github.com/l0p7/immogest/internal/domain"
	"github.com/l0p7/immogest/internal/expr"
)

// ErrDenied is returned when no rule grants the requested action.
var ErrDenied = errors.New("policy: denied")

// Action names an operation guarded by policies.
type Action string

const (
	ViewAny Action = "viewAny"
	View    Action = "view"
	Create  Action = "create"
	Update  Action = "update"
	Delete  Action = "delete"
	Attach  Action = "attach"
)

var knownActions = []Action{ViewAny, View, Create, Update, Delete, Attach}

// Subject is the authenticated caller.
type Subject struct {
	ID    string
	Name  string
	Roles []string
}

func (s Subject) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}

func (s Subject) asMap() map[string]any {
	roles := make([]string, len(s.Roles))
	copy(roles, s.Roles)
	return map[string]any{
		"id":    s.ID,
		"name":  s.Name,
		"roles": roles,
	}
}

// rule grants an action to any of roles; an empty set grants it to everyone.
type rule struct {
	roles     mapset.Set[string]
	condition *expr.Program
}

// Registry holds the compiled policies. Replace swaps the whole set atomically.
type Registry struct {
	env *expr.Environment

	mu       sync.RWMutex
	policies map[string]map[Action]rule
	source   string
}

// NewRegistry compiles doc. An empty document selects the built-in defaults.
func NewRegistry(env *expr.Environment, doc config.PolicyDocument, source string) (*Registry, error) {
	if env == nil {
		return nil, errors.New("policy: expression environment required")
	}
	r := &Registry{env: env}
	if err := r.Replace(doc, source); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace compiles doc and swaps it in. The previous set stays active on error.
func (r *Registry) Replace(doc config.PolicyDocument, source string) error {
	if len(doc.Policies) == 0 {
		doc = DefaultDocument()
		source = "builtin"
	}
	compiled, err := r.compile(doc)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.policies = compiled
	r.source = source
	r.mu.Unlock()
	return nil
}

// Source reports where the active policies came from.
func (r *Registry) Source() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}

// Classes lists the model classes with at least one rule.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.policies))
	for class := range r.policies {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// Authorize returns nil when subject may perform action on a resource of the
// given class. Admins bypass every rule. Missing rules deny.
func (r *Registry) Authorize(subject Subject, class string, action Action, resource map[string]any) error {
	if subject.HasRole(domain.RoleAdmin) {
		return nil
	}
	r.mu.RLock()
	rl, ok := r.policies[class][action]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no %s rule for %s", ErrDenied, action, class)
	}
	if !rl.roles.IsEmpty() && !rl.roles.ContainsAny(subject.Roles...) {
		return fmt.Errorf("%w: %s may not %s %s", ErrDenied, subject.ID, action, class)
	}
	if rl.condition == nil {
		return nil
	}
	allowed, err := rl.condition.EvalBool(expr.Activation(subject.asMap(), resource, string(action)))
	if err != nil {
		return fmt.Errorf("%w: %s %s condition: %v", ErrDenied, class, action, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s may not %s this %s", ErrDenied, subject.ID, action, class)
	}
	return nil
}

func (r *Registry) compile(doc config.PolicyDocument) (map[string]map[Action]rule, error) {
	classes := make(map[string]bool)
	for _, kind := range domain.Kinds() {
		classes[kind.Class] = true
	}
	compiled := make(map[string]map[Action]rule, len(doc.Policies))
	for class, actions := range doc.Policies {
		if !classes[class] {
			return nil, fmt.Errorf("policy: unknown model class %q", class)
		}
		rules := make(map[Action]rule, len(actions))
		for name, cfg := range actions {
			action := Action(name)
			if !slices.Contains(knownActions, action) {
				return nil, fmt.Errorf("policy: %s: unknown action %q", class, name)
			}
			rl := rule{roles: mapset.NewSet(cfg.Roles...)}
			if cond := strings.TrimSpace(cfg.Condition); cond != "" {
				program, err := r.env.Compile(cond)
				if err != nil {
					return nil, fmt.Errorf("policy: %s.%s: %w", class, name, err)
				}
				rl.condition = &program
			}
			rules[action] = rl
		}
		compiled[class] = rules
	}
	return compiled, nil
}
