// Package predicate defines the machine-checkable success tests attached to
// benchmark tasks and their evaluation against browser snapshots. Predicates
// are tagged JSON variants; each kind knows its family (frontend or backend)
// and how to test one snapshot.
package predicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zero-day-ai/webbench/backend"
	"github.com/zero-day-ai/webbench/browser"
)

// Family groups predicates by the state they inspect. Backend-family
// predicates are suppressed for real-web tasks, which have no instrumented
// backend to query.
type Family string

const (
	// FamilyFrontend predicates inspect the page itself (URL, DOM, pixels).
	FamilyFrontend Family = "frontend"

	// FamilyBackend predicates inspect the instrumented backend event log.
	FamilyBackend Family = "backend"
)

// Recognized predicate type discriminators.
const (
	TypeCheckURL        = "CheckUrlTest"
	TypeCheckHTML       = "FindInHtmlTest"
	TypeCheckEvent      = "CheckEventTest"
	TypeCheckPageView   = "CheckPageViewEventTest"
	TypeJudgeHTML       = "JudgeBaseOnHTML"
	TypeJudgeScreenshot = "JudgeBaseOnScreenshot"
)

// Result is the outcome of evaluating one predicate against one snapshot.
type Result struct {
	// Success is true when the predicate held for this step.
	Success bool `json:"success"`

	// Extra carries predicate-specific diagnostic data (e.g. the event name
	// a backend check looked for).
	Extra map[string]any `json:"extra_data,omitempty"`
}

// EvalContext carries everything a predicate may inspect for one step.
type EvalContext struct {
	// Prompt is the task's natural-language instruction.
	Prompt string

	// Iteration is the 0-based index of the step under test.
	Iteration int

	// Snapshot is the browser state after the step.
	Snapshot *browser.Snapshot

	// History holds all snapshots up to and including this step.
	History []browser.Snapshot

	// Judge performs LLM-backed comparisons; nil when no judge is wired.
	Judge Judge
}

// Predicate is a boolean-valued checker applied to a snapshot.
type Predicate interface {
	// Type returns the JSON discriminator for this predicate kind.
	Type() string

	// Family returns the state family this predicate inspects.
	Family() Family

	// Enabled reports whether the predicate participates in the matrix for
	// a task with the given is_real_web flag. Disabled predicates must not
	// contribute to the score denominator.
	Enabled(isRealWeb bool) bool

	// Evaluate tests the predicate against one step. It never panics and
	// fails closed on any internal error.
	Evaluate(ctx context.Context, ec EvalContext) Result
}

// Judge answers boolean success questions by comparing page state before and
// after an action, typically via a multimodal LLM.
type Judge interface {
	// JudgeHTML decides whether the success criteria are met given the DOM
	// before and after the action.
	JudgeHTML(ctx context.Context, successCriteria, actionDescription, htmlBefore, htmlAfter string) (bool, error)

	// JudgeScreenshot decides whether the success criteria are met given
	// base64 screenshots before and after the action.
	JudgeScreenshot(ctx context.Context, successCriteria, screenshotBefore, screenshotAfter string) (bool, error)
}

// CheckURL passes when the current URL contains the expected fragment.
type CheckURL struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Type returns TypeCheckURL.
func (*CheckURL) Type() string { return TypeCheckURL }

// Family returns FamilyFrontend.
func (*CheckURL) Family() Family { return FamilyFrontend }

// Enabled always returns true.
func (*CheckURL) Enabled(bool) bool { return true }

// Evaluate performs a substring match on the snapshot URL.
func (p *CheckURL) Evaluate(_ context.Context, ec EvalContext) Result {
	return Result{
		Success: strings.Contains(ec.Snapshot.CurrentURL, p.URL),
		Extra:   map[string]any{"url": p.URL},
	}
}

// CheckHTML passes when any keyword appears in the DOM text,
// case-insensitively. Keywords are trimmed and lowercased at construction;
// an empty keyword set is a construction error.
type CheckHTML struct {
	Keywords    []string `json:"keywords"`
	Description string   `json:"description,omitempty"`
}

// NewCheckHTML validates and normalizes the keyword set.
func NewCheckHTML(keywords []string) (*CheckHTML, error) {
	normalized, err := normalizeKeywords(keywords)
	if err != nil {
		return nil, err
	}
	return &CheckHTML{Keywords: normalized}, nil
}

// Type returns TypeCheckHTML.
func (*CheckHTML) Type() string { return TypeCheckHTML }

// Family returns FamilyFrontend.
func (*CheckHTML) Family() Family { return FamilyFrontend }

// Enabled always returns true.
func (*CheckHTML) Enabled(bool) bool { return true }

// Evaluate checks whether any keyword occurs in the lowercased DOM.
func (p *CheckHTML) Evaluate(_ context.Context, ec EvalContext) Result {
	content := strings.ToLower(ec.Snapshot.CurrentHTML)
	for _, kw := range p.Keywords {
		if strings.Contains(content, kw) {
			return Result{Success: true, Extra: map[string]any{"keywords": p.Keywords}}
		}
	}
	return Result{Success: false, Extra: map[string]any{"keywords": p.Keywords}}
}

// UnmarshalJSON applies the same normalization as NewCheckHTML.
func (p *CheckHTML) UnmarshalJSON(data []byte) error {
	type alias CheckHTML
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	normalized, err := normalizeKeywords(raw.Keywords)
	if err != nil {
		return err
	}
	p.Keywords = normalized
	p.Description = raw.Description
	return nil
}

func normalizeKeywords(keywords []string) ([]string, error) {
	if len(keywords) == 0 {
		return nil, fmt.Errorf("keyword set must not be empty")
	}
	normalized := make([]string, len(keywords))
	for i, kw := range keywords {
		trimmed := strings.TrimSpace(kw)
		if trimmed == "" {
			return nil, fmt.Errorf("keyword %d is empty after trimming", i)
		}
		normalized[i] = strings.ToLower(trimmed)
	}
	return normalized, nil
}

// CheckPageView passes when a page_view event whose payload URL contains the
// expected substring was emitted in this step's event delta.
type CheckPageView struct {
	PageViewURL string `json:"page_view_url"`
	Description string `json:"description,omitempty"`
}

// Type returns TypeCheckPageView.
func (*CheckPageView) Type() string { return TypeCheckPageView }

// Family returns FamilyBackend.
func (*CheckPageView) Family() Family { return FamilyBackend }

// Enabled returns false for real-web tasks.
func (*CheckPageView) Enabled(isRealWeb bool) bool { return !isRealWeb }

// Evaluate scans the step's event delta for a matching page_view event.
func (p *CheckPageView) Evaluate(_ context.Context, ec EvalContext) Result {
	extra := map[string]any{"page_view_url": p.PageViewURL}
	for _, ev := range ec.Snapshot.BackendEvents {
		if ev.Type != backend.PageViewEventType {
			continue
		}
		if url, ok := ev.Data["url"].(string); ok && strings.Contains(url, p.PageViewURL) {
			return Result{Success: true, Extra: extra}
		}
	}
	return Result{Success: false, Extra: extra}
}

// JudgeHTML delegates to an LLM judge comparing the DOM before and after the
// action. Network errors are retried once; exhaustion fails closed.
type JudgeHTML struct {
	SuccessCriteria string `json:"success_criteria"`
	Description     string `json:"description,omitempty"`
}

// Type returns TypeJudgeHTML.
func (*JudgeHTML) Type() string { return TypeJudgeHTML }

// Family returns FamilyFrontend.
func (*JudgeHTML) Family() Family { return FamilyFrontend }

// Enabled returns true only for real-web tasks, which have no instrumented
// backend and rely on judge predicates instead.
func (*JudgeHTML) Enabled(isRealWeb bool) bool { return isRealWeb }

// Evaluate asks the judge to compare the previous and current DOM.
func (p *JudgeHTML) Evaluate(ctx context.Context, ec EvalContext) Result {
	extra := map[string]any{"success_criteria": p.SuccessCriteria}
	if ec.Judge == nil || ec.Iteration == 0 {
		return Result{Success: false, Extra: extra}
	}

	actionDesc := string(ec.Snapshot.Action)
	ok := judgeWithRetry(ctx, func(ctx context.Context) (bool, error) {
		return ec.Judge.JudgeHTML(ctx, p.SuccessCriteria, actionDesc, ec.Snapshot.PrevHTML, ec.Snapshot.CurrentHTML)
	})
	return Result{Success: ok, Extra: extra}
}

// JudgeScreenshot delegates to an LLM judge comparing screenshots before and
// after the action. Network errors are retried once; exhaustion fails closed.
type JudgeScreenshot struct {
	SuccessCriteria string `json:"success_criteria"`
	Description     string `json:"description,omitempty"`
}

// Type returns TypeJudgeScreenshot.
func (*JudgeScreenshot) Type() string { return TypeJudgeScreenshot }

// Family returns FamilyFrontend.
func (*JudgeScreenshot) Family() Family { return FamilyFrontend }

// Enabled returns true only for real-web tasks.
func (*JudgeScreenshot) Enabled(isRealWeb bool) bool { return isRealWeb }

// Evaluate asks the judge to compare the step's screenshots.
func (p *JudgeScreenshot) Evaluate(ctx context.Context, ec EvalContext) Result {
	extra := map[string]any{"success_criteria": p.SuccessCriteria}
	snap := ec.Snapshot
	if ec.Judge == nil || snap.ScreenshotBefore == "" || snap.ScreenshotAfter == "" {
		return Result{Success: false, Extra: extra}
	}

	ok := judgeWithRetry(ctx, func(ctx context.Context) (bool, error) {
		return ec.Judge.JudgeScreenshot(ctx, p.SuccessCriteria, snap.ScreenshotBefore, snap.ScreenshotAfter)
	})
	return Result{Success: ok, Extra: extra}
}

// judgeWithRetry invokes the judge call, retrying once on error. Exhaustion
// is treated as a failed predicate, never as a pipeline error.
func judgeWithRetry(ctx context.Context, call func(context.Context) (bool, error)) bool {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := call(ctx)
		if err == nil {
			return ok
		}
		if ctx.Err() != nil {
			return false
		}
	}
	return false
}
