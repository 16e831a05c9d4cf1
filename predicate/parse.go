package predicate

import (
	"encoding/json"
	"fmt"
)

// Parse decodes a single tagged predicate. Unknown discriminators return an
// error; predicate sets are authored upstream, so an unknown kind there is a
// task-construction problem rather than an agent-input problem.
func Parse(data []byte) (Predicate, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to read predicate envelope: %w", err)
	}

	var (
		p   Predicate
		err error
	)
	switch env.Type {
	case TypeCheckURL:
		v := &CheckURL{}
		err = json.Unmarshal(data, v)
		p = v
	case TypeCheckHTML:
		v := &CheckHTML{}
		err = json.Unmarshal(data, v)
		p = v
	case TypeCheckEvent:
		v := &CheckEvent{}
		err = json.Unmarshal(data, v)
		p = v
	case TypeCheckPageView:
		v := &CheckPageView{}
		err = json.Unmarshal(data, v)
		p = v
	case TypeJudgeHTML:
		v := &JudgeHTML{}
		err = json.Unmarshal(data, v)
		p = v
	case TypeJudgeScreenshot:
		v := &JudgeScreenshot{}
		err = json.Unmarshal(data, v)
		p = v
	default:
		return nil, fmt.Errorf("unknown predicate type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Type, err)
	}
	return p, nil
}

// ParseList decodes a JSON array of tagged predicates.
func ParseList(data []byte) ([]Predicate, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("failed to read predicate list: %w", err)
	}

	predicates := make([]Predicate, 0, len(raws))
	for i, raw := range raws {
		p, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("predicate %d: %w", i, err)
		}
		predicates = append(predicates, p)
	}
	return predicates, nil
}

// MarshalList encodes predicates as a JSON array of tagged objects.
func MarshalList(predicates []Predicate) ([]byte, error) {
	raws := make([]json.RawMessage, len(predicates))
	for i, p := range predicates {
		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s: %w", p.Type(), err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(body, &fields); err != nil {
			return nil, fmt.Errorf("failed to re-read %s payload: %w", p.Type(), err)
		}
		fields["type"] = json.RawMessage(fmt.Sprintf("%q", p.Type()))
		tagged, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		raws[i] = tagged
	}
	return json.Marshal(raws)
}
