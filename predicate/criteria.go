package predicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Operator compares an event field against an expected value.
type Operator string

// Recognized criteria operators. Equals is the default when a criterion
// omits the operator. An unknown operator fails the criterion closed.
const (
	OpEquals       Operator = "equals"
	OpNotEquals    Operator = "not_equals"
	OpContains     Operator = "contains"
	OpNotContains  Operator = "not_contains"
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
	OpGreaterEqual Operator = "greater_equal"
	OpLessEqual    Operator = "less_equal"
	OpInList       Operator = "in_list"
	OpNotInList    Operator = "not_in_list"
)

// Criterion is a single flat entry of a CheckEvent criteria map: one field
// name mapped to an operator and an expected value. No nested value objects.
type Criterion struct {
	// Operator defaults to equals when empty.
	Operator Operator `json:"operator,omitempty"`

	// Value is the expected value; must be a list for in_list/not_in_list.
	Value any `json:"value"`
}

// Matches evaluates the criterion against an actual event field value.
// Unknown operators and type mismatches fail closed.
func (c Criterion) Matches(actual any) bool {
	op := c.Operator
	if op == "" {
		op = OpEquals
	}

	switch op {
	case OpEquals:
		return looseEqual(actual, c.Value)
	case OpNotEquals:
		return !looseEqual(actual, c.Value)
	case OpContains:
		return stringContains(actual, c.Value)
	case OpNotContains:
		return !stringContains(actual, c.Value)
	case OpGreaterThan, OpLessThan, OpGreaterEqual, OpLessEqual:
		a, okA := toFloat(actual)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		switch op {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterEqual:
			return a >= b
		default:
			return a <= b
		}
	case OpInList:
		return inList(actual, c.Value)
	case OpNotInList:
		list, ok := asList(c.Value)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(actual, item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// CheckEvent passes when an event of the expected type was emitted in the
// step's delta and every criteria entry holds for that event's payload. The
// optional Expression is a CEL program over the binding `event` (the payload
// map) for conditions the flat criteria map cannot express.
type CheckEvent struct {
	EventName   string               `json:"event_name"`
	Criteria    map[string]Criterion `json:"event_criteria,omitempty"`
	Expression  string               `json:"expression,omitempty"`
	Description string               `json:"description,omitempty"`

	compileOnce sync.Once
	program     cel.Program
	compileErr  error
}

// Type returns TypeCheckEvent.
func (*CheckEvent) Type() string { return TypeCheckEvent }

// Family returns FamilyBackend.
func (*CheckEvent) Family() Family { return FamilyBackend }

// Enabled returns false for real-web tasks.
func (*CheckEvent) Enabled(isRealWeb bool) bool { return !isRealWeb }

// Evaluate scans the step's event delta for a matching event.
func (p *CheckEvent) Evaluate(_ context.Context, ec EvalContext) Result {
	extra := map[string]any{"event_name": p.EventName}
	for _, ev := range ec.Snapshot.BackendEvents {
		if ev.Type != p.EventName {
			continue
		}
		if p.matchesCriteria(ev.Data) && p.matchesExpression(ev.Data) {
			return Result{Success: true, Extra: extra}
		}
	}
	return Result{Success: false, Extra: extra}
}

// matchesCriteria requires every criteria entry to hold against the payload.
func (p *CheckEvent) matchesCriteria(data map[string]any) bool {
	for field, criterion := range p.Criteria {
		if !criterion.Matches(data[field]) {
			return false
		}
	}
	return true
}

// matchesExpression evaluates the optional CEL expression against the
// payload. Compilation and evaluation failures fail closed.
func (p *CheckEvent) matchesExpression(data map[string]any) bool {
	if p.Expression == "" {
		return true
	}

	p.compileOnce.Do(func() {
		env, err := cel.NewEnv(cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)))
		if err != nil {
			p.compileErr = fmt.Errorf("failed to build CEL environment: %w", err)
			return
		}
		ast, issues := env.Compile(p.Expression)
		if issues != nil && issues.Err() != nil {
			p.compileErr = fmt.Errorf("failed to compile criteria expression: %w", issues.Err())
			return
		}
		prg, err := env.Program(ast)
		if err != nil {
			p.compileErr = fmt.Errorf("failed to build criteria program: %w", err)
			return
		}
		p.program = prg
	})
	if p.compileErr != nil || p.program == nil {
		return false
	}

	if data == nil {
		data = map[string]any{}
	}
	out, _, err := p.program.Eval(map[string]any{"event": data})
	if err != nil {
		return false
	}
	ok, isBool := out.Value().(bool)
	return isBool && ok
}

// looseEqual compares values across JSON's numeric/string representations:
// numbers compare numerically and everything else by normalized string form.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return normalize(a) == normalize(b)
}

func stringContains(actual, expected any) bool {
	return strings.Contains(strings.ToLower(normalize(actual)), strings.ToLower(normalize(expected)))
}

func inList(actual, expected any) bool {
	list, ok := asList(expected)
	if !ok {
		return false
	}
	for _, item := range list {
		if looseEqual(actual, item) {
			return true
		}
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func normalize(v any) string {
	if v == nil {
		return ""
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}
