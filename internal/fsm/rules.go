// Package fsm holds the flow transition table and the engine that applies it.
package fsm

import (
	_ "embed"
	"errors"
	"fmt"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Triggers declared by the default table.
const (
	TriggerStartUpdate      = "start_update"
	TriggerStartIncident    = "start_incident"
	TriggerSelectTask       = "select_task"
	TriggerInvalidSelection = "invalid_selection"
	TriggerAddData          = "add_data"
	TriggerDataComplete     = "data_complete"
	TriggerEdit             = "edit"
	TriggerConfirm          = "confirm"
	TriggerReset            = "reset"
	TriggerCancel           = "cancel"
	TriggerTimeout          = "timeout"
)

// Rule is one legal edge of the state machine.
type Rule struct {
	From        domain.State `yaml:"from"`
	To          domain.State `yaml:"to"`
	Trigger     string       `yaml:"trigger"`
	Description string       `yaml:"description,omitempty"`
}

type ruleKey struct {
	from    domain.State
	to      domain.State
	trigger string
}

type targetKey struct {
	from    domain.State
	trigger string
}

// Table is an immutable, validated set of rules.
type Table struct {
	rules   []Rule
	exact   map[ruleKey]Rule
	targets map[targetKey]domain.State
}

// DefaultTable returns the embedded rule table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultRules)
	if err != nil {
		panic(fmt.Sprintf("embedded rules.yaml is invalid: %v", err))
	}
	return t
}

// ParseTable decodes a YAML rule document and validates it.
func ParseTable(data []byte) (*Table, error) {
	var doc struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.NewValidationFailure(fmt.Sprintf("parse rules: %v", err))
	}
	return NewTable(doc.Rules)
}

// NewTable validates rules and builds the lookup indexes.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{
		rules:   append([]Rule(nil), rules...),
		exact:   make(map[ruleKey]Rule, len(rules)),
		targets: make(map[targetKey]domain.State, len(rules)),
	}

	var errs []error
	for i, r := range rules {
		if r.From != domain.StateAny && !r.From.Valid() {
			errs = append(errs, fmt.Errorf("rule %d: unknown from state %q", i, r.From))
		}
		if !r.To.Valid() {
			errs = append(errs, fmt.Errorf("rule %d: unknown to state %q", i, r.To))
		}
		if r.Trigger == "" {
			errs = append(errs, fmt.Errorf("rule %d: empty trigger", i))
		}
		k := ruleKey{r.From, r.To, r.Trigger}
		if _, dup := t.exact[k]; dup {
			errs = append(errs, fmt.Errorf("rule %d: duplicate %s -> %s on %q", i, r.From, r.To, r.Trigger))
		}
		t.exact[k] = r

		tk := targetKey{r.From, r.Trigger}
		if prev, ok := t.targets[tk]; ok && prev != r.To {
			errs = append(errs, fmt.Errorf("rule %d: trigger %q from %s is ambiguous (%s or %s)", i, r.Trigger, r.From, prev, r.To))
		}
		t.targets[tk] = r.To
	}

	if !t.hasWildcardExit() {
		errs = append(errs, errors.New("no wildcard rule reaches a terminal state; stuck flows could not be force-closed"))
	}
	for _, st := range domain.States {
		if st.Terminal() {
			continue
		}
		if !t.reachesTerminal(st) {
			errs = append(errs, fmt.Errorf("state %s cannot reach a terminal state", st))
		}
	}

	if len(errs) > 0 {
		return nil, apperr.NewValidationFailure(errors.Join(errs...).Error())
	}
	return t, nil
}

func (t *Table) hasWildcardExit() bool {
	for _, r := range t.rules {
		if r.From == domain.StateAny && r.To.Terminal() {
			return true
		}
	}
	return false
}

func (t *Table) reachesTerminal(from domain.State) bool {
	for _, r := range t.rules {
		if (r.From == from || r.From == domain.StateAny) && r.To.Terminal() {
			return true
		}
	}
	return false
}

// Allowed reports whether the table permits from -> to on trigger, either
// by an exact rule or by a wildcard rule.
func (t *Table) Allowed(from, to domain.State, trigger string) bool {
	if _, ok := t.exact[ruleKey{from, to, trigger}]; ok {
		return true
	}
	_, ok := t.exact[ruleKey{domain.StateAny, to, trigger}]
	return ok
}

// ValidateTransition returns nil when the transition is legal and a
// STATE_CONFLICT error describing it otherwise.
func (t *Table) ValidateTransition(from, to domain.State, trigger string) error {
	if !from.Valid() {
		return apperr.NewStateConflict(fmt.Sprintf("current state %q is not a known state", from), nil)
	}
	if t.Allowed(from, to, trigger) {
		return nil
	}
	return apperr.NewStateConflict(
		fmt.Sprintf("no rule allows %s -> %s on %q", from, to, trigger),
		map[string]any{"from_state": string(from), "to_state": string(to), "trigger": trigger},
	)
}

// Target resolves the destination of trigger fired from state. Exact rules
// take precedence over wildcard rules.
func (t *Table) Target(from domain.State, trigger string) (domain.State, bool) {
	if to, ok := t.targets[targetKey{from, trigger}]; ok {
		return to, true
	}
	to, ok := t.targets[targetKey{domain.StateAny, trigger}]
	return to, ok
}

// Rules returns a copy of the rule list in declaration order.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}
