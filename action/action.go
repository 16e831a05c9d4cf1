// Package action defines the browser operations a web agent can propose and
// the selectors those operations target. Actions are immutable value objects
// exchanged as JSON with a "type" discriminator field.
package action

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// AgentIDPlaceholder is the token tasks embed in action fields. The evaluator
// substitutes the concrete web agent identifier exactly once before execution.
const AgentIDPlaceholder = "<web_agent_id>"

// Kind identifies an action variant.
type Kind string

const (
	// KindNavigate loads a URL in the browser.
	KindNavigate Kind = "NavigateAction"

	// KindClick clicks an element (by selector) or a viewport coordinate.
	KindClick Kind = "ClickAction"

	// KindType focuses an element and types text into it.
	KindType Kind = "TypeAction"

	// KindSendKeys sends raw keyboard input to the focused element.
	KindSendKeys Kind = "SendKeysAction"

	// KindScroll scrolls the page by a pixel delta.
	KindScroll Kind = "ScrollAction"

	// KindSelect chooses an option of a <select> element.
	KindSelect Kind = "SelectAction"

	// KindWait pauses execution for a fixed duration.
	KindWait Kind = "WaitAction"
)

// Action is a single discrete browser operation.
// Implementations are immutable value objects; mutating helpers return copies.
type Action interface {
	// Kind returns the variant discriminator for this action.
	Kind() Kind

	// WithAgentID returns a copy of the action with AgentIDPlaceholder
	// replaced by the given identifier in its URL, text, value and selector
	// value fields; other fields (such as SendKeys keys) are left unchanged.
	// The substitution is idempotent.
	WithAgentID(id string) Action
}

// Navigate loads the given URL.
type Navigate struct {
	URL string `json:"url"`
}

// Kind returns KindNavigate.
func (Navigate) Kind() Kind { return KindNavigate }

// WithAgentID substitutes the agent-id placeholder in the URL.
func (a Navigate) WithAgentID(id string) Action {
	a.URL = substitute(a.URL, id)
	return a
}

// Click clicks an element or a coordinate. Exactly one addressing mode is
// used: a non-nil Selector wins; otherwise X/Y are treated as viewport
// coordinates.
type Click struct {
	Selector *Selector `json:"selector,omitempty"`
	X        int       `json:"x,omitempty"`
	Y        int       `json:"y,omitempty"`
}

// Kind returns KindClick.
func (Click) Kind() Kind { return KindClick }

// WithAgentID substitutes the agent-id placeholder in the selector value.
func (a Click) WithAgentID(id string) Action {
	a.Selector = a.Selector.withAgentID(id)
	return a
}

// Type focuses the selected element and types Text into it.
type Type struct {
	Selector *Selector `json:"selector"`
	Text     string    `json:"text"`
}

// Kind returns KindType.
func (Type) Kind() Kind { return KindType }

// WithAgentID substitutes the agent-id placeholder in the text and selector.
func (a Type) WithAgentID(id string) Action {
	a.Selector = a.Selector.withAgentID(id)
	a.Text = substitute(a.Text, id)
	return a
}

// SendKeys sends raw keyboard input (e.g. "Enter", "Tab") to the page.
type SendKeys struct {
	Keys string `json:"keys"`
}

// Kind returns KindSendKeys.
func (SendKeys) Kind() Kind { return KindSendKeys }

// WithAgentID returns the action unchanged; key input carries no payload
// fields subject to substitution.
func (a SendKeys) WithAgentID(string) Action { return a }

// Scroll scrolls the page by the given pixel deltas.
type Scroll struct {
	DeltaX int `json:"dx"`
	DeltaY int `json:"dy"`
}

// Kind returns KindScroll.
func (Scroll) Kind() Kind { return KindScroll }

// WithAgentID returns the action unchanged.
func (a Scroll) WithAgentID(string) Action { return a }

// Select chooses the option with the given value on a <select> element.
type Select struct {
	Selector *Selector `json:"selector"`
	Value    string    `json:"value"`
}

// Kind returns KindSelect.
func (Select) Kind() Kind { return KindSelect }

// WithAgentID substitutes the agent-id placeholder in the value and selector.
func (a Select) WithAgentID(id string) Action {
	a.Selector = a.Selector.withAgentID(id)
	a.Value = substitute(a.Value, id)
	return a
}

// Wait pauses execution for the configured duration.
type Wait struct {
	// Duration is expressed in milliseconds on the wire.
	Duration time.Duration `json:"-"`
}

// Kind returns KindWait.
func (Wait) Kind() Kind { return KindWait }

// WithAgentID returns the action unchanged.
func (a Wait) WithAgentID(string) Action { return a }

// MarshalJSON encodes the wait duration as integer milliseconds.
func (a Wait) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TimeMS int64 `json:"time_ms"`
	}{TimeMS: a.Duration.Milliseconds()})
}

// UnmarshalJSON decodes the wait duration from integer milliseconds.
func (a *Wait) UnmarshalJSON(data []byte) error {
	var raw struct {
		TimeMS int64 `json:"time_ms"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Duration = time.Duration(raw.TimeMS) * time.Millisecond
	return nil
}

// Unknown preserves an action whose discriminator no variant recognizes.
// It is never executed: the replay pipeline records the step as skipped with
// an internal error and proceeds with the remaining actions.
type Unknown struct {
	// TypeName is the unrecognized discriminator as received.
	TypeName string `json:"-"`
}

// Kind returns the original discriminator so the action round-trips.
func (a Unknown) Kind() Kind { return Kind(a.TypeName) }

// WithAgentID returns the action unchanged.
func (a Unknown) WithAgentID(string) Action { return a }

// WithAgentID returns a copy of the list with the placeholder substituted in
// every action. An empty id leaves the actions untouched.
func WithAgentID(actions []Action, id string) []Action {
	if id == "" {
		return actions
	}
	out := make([]Action, len(actions))
	for i, a := range actions {
		out[i] = a.WithAgentID(id)
	}
	return out
}

func substitute(s, id string) string {
	return strings.ReplaceAll(s, AgentIDPlaceholder, id)
}

// envelope is the wire form of an action: the discriminator plus the
// variant's own fields flattened alongside it.
type envelope struct {
	Type Kind `json:"type"`
}

// Marshal encodes an action to its tagged JSON form.
func Marshal(a Action) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", a.Kind(), err)
	}

	// Splice the discriminator into the variant's own object.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to re-read %s payload: %w", a.Kind(), err)
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", a.Kind()))
	return json.Marshal(fields)
}

// Unmarshal decodes a single tagged action. Unknown discriminators return
// an *UnknownKindError; callers decide whether that is fatal.
func Unmarshal(data []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to read action envelope: %w", err)
	}

	var (
		a   Action
		err error
	)
	switch normalizeKind(env.Type) {
	case KindNavigate:
		var v Navigate
		err = json.Unmarshal(data, &v)
		a = v
	case KindClick:
		var v Click
		err = json.Unmarshal(data, &v)
		a = v
	case KindType:
		var v Type
		err = json.Unmarshal(data, &v)
		a = v
	case KindSendKeys:
		var v SendKeys
		err = json.Unmarshal(data, &v)
		a = v
	case KindScroll:
		var v Scroll
		err = json.Unmarshal(data, &v)
		a = v
	case KindSelect:
		var v Select
		err = json.Unmarshal(data, &v)
		a = v
	case KindWait:
		var v Wait
		err = json.Unmarshal(data, &v)
		a = v
	default:
		return nil, &UnknownKindError{Kind: string(env.Type)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return a, nil
}

// UnknownKindError reports an unrecognized action discriminator.
// It is a non-fatal parse error: the offending action is skipped and the
// remaining actions proceed.
type UnknownKindError struct {
	Kind string
}

// Error implements the error interface.
func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown action type %q", e.Kind)
}

// normalizeKind accepts both the canonical "NavigateAction" form and the
// short lowercase aliases some agents emit ("navigate", "click", ...).
func normalizeKind(k Kind) Kind {
	switch strings.ToLower(string(k)) {
	case "navigate", "navigateaction":
		return KindNavigate
	case "click", "clickaction":
		return KindClick
	case "type", "typeaction", "input":
		return KindType
	case "sendkeys", "sendkeysaction", "press":
		return KindSendKeys
	case "scroll", "scrollaction":
		return KindScroll
	case "select", "selectaction":
		return KindSelect
	case "wait", "waitaction", "sleep":
		return KindWait
	default:
		return k
	}
}

// UnmarshalList decodes a JSON array of tagged actions. An unknown
// discriminator is a non-fatal parse error: the entry is kept as an Unknown
// action (so the replay can record the skipped step) and its tag is also
// reported in skipped for logging.
func UnmarshalList(data []byte) (actions []Action, skipped []string, err error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, nil, fmt.Errorf("failed to read action list: %w", err)
	}

	for _, raw := range raws {
		a, err := Unmarshal(raw)
		if err != nil {
			var unknown *UnknownKindError
			if ok := asUnknownKind(err, &unknown); ok {
				skipped = append(skipped, unknown.Kind)
				actions = append(actions, Unknown{TypeName: unknown.Kind})
				continue
			}
			return nil, skipped, err
		}
		actions = append(actions, a)
	}
	return actions, skipped, nil
}

// MarshalList encodes a slice of actions as a JSON array of tagged objects.
func MarshalList(actions []Action) ([]byte, error) {
	raws := make([]json.RawMessage, len(actions))
	for i, a := range actions {
		data, err := Marshal(a)
		if err != nil {
			return nil, err
		}
		raws[i] = data
	}
	return json.Marshal(raws)
}

func asUnknownKind(err error, target **UnknownKindError) bool {
	if e, ok := err.(*UnknownKindError); ok {
		*target = e
		return true
	}
	return false
}
