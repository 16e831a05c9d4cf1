package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/zero-day-ai/webbench/action"
	"github.com/zero-day-ai/webbench/backend"
)

// Executor executes actions one at a time against a browser session bound to
// a single agent id. Execute never returns a Go error: failures are captured
// in the ActionResult so the replay pipeline can keep scoring.
type Executor interface {
	// Execute runs one action as step stepIndex and returns its result.
	Execute(ctx context.Context, a action.Action, stepIndex int) ActionResult

	// Close releases the browser context. It is idempotent and safe to call
	// on every exit path including cancellation.
	Close() error
}

// Factory opens a fresh executor bound to the given agent id. The evaluator
// opens one browser context per solution through a Factory.
type Factory func(ctx context.Context, agentID string) (Executor, error)

// Options configures a Chrome-backed executor.
type Options struct {
	// AgentID is injected as the X-WebAgent-Id header on every request
	// originating from the browser context.
	AgentID string

	// Backend, when set, is queried for the per-step event delta and
	// receives page_view events on navigation.
	Backend backend.Service

	// Headless controls whether Chrome runs without a visible window.
	Headless bool

	// ActionTimeout bounds each action. Defaults to 10s.
	ActionTimeout time.Duration

	// SettleDelay is the pause inserted after each action to let the page
	// settle. Defaults to 200ms.
	SettleDelay time.Duration

	// CaptureScreenshots enables before/after screenshots per step.
	CaptureScreenshots bool

	// ViewportWidth and ViewportHeight size the browser window.
	// Defaults to 1920x1080.
	ViewportWidth  int
	ViewportHeight int

	// Logger receives execution diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// ChromeExecutor implements Executor by driving headless Chrome over the
// DevTools protocol via chromedp.
type ChromeExecutor struct {
	opts        Options
	allocCancel context.CancelFunc
	taskCancel  context.CancelFunc
	taskCtx     context.Context
	logger      *slog.Logger

	lastHTML string
	lastURL  string
	closed   bool
}

// NewChromeExecutor launches a browser context with the agent header set.
// The context lives until Close and is derived from ctx: cancelling ctx
// tears the browser down.
func NewChromeExecutor(ctx context.Context, opts Options) (*ChromeExecutor, error) {
	if opts.AgentID == "" {
		return nil, fmt.Errorf("executor requires an agent id")
	}
	if opts.ActionTimeout == 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = 200 * time.Millisecond
	}
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = 1920
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = 1080
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "browser", "agent_id", opts.AgentID)

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocOpts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	headers := network.Headers{backend.AgentIDHeader: opts.AgentID}
	if err := chromedp.Run(taskCtx, network.Enable(), network.SetExtraHTTPHeaders(headers)); err != nil {
		taskCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser context: %w", err)
	}

	return &ChromeExecutor{
		opts:        opts,
		allocCancel: allocCancel,
		taskCancel:  taskCancel,
		taskCtx:     taskCtx,
		logger:      logger,
	}, nil
}

// NewFactory returns a Factory that launches a ChromeExecutor per agent with
// the given base options (AgentID is overridden per call).
func NewFactory(base Options) Factory {
	return func(ctx context.Context, agentID string) (Executor, error) {
		opts := base
		opts.AgentID = agentID
		return NewChromeExecutor(ctx, opts)
	}
}

// Execute runs one action, waits for the page to settle, and captures the
// resulting snapshot. Errors are classified into the execution taxonomy and
// attached to the result; a best-effort snapshot is produced wherever the
// page state can still be read.
func (e *ChromeExecutor) Execute(ctx context.Context, a action.Action, stepIndex int) ActionResult {
	start := time.Now()

	snapshot := Snapshot{
		Iteration:  stepIndex,
		PrevHTML:   e.lastHTML,
		CurrentURL: e.lastURL,
		Action:     encodeAction(a),
		Timestamp:  start,
	}

	if e.closed {
		return ActionResult{
			Snapshot:      snapshot,
			ExecutionTime: time.Since(start),
			Error:         NewExecutionError(ErrInternal, "executor already closed"),
		}
	}

	tctx, cancel := context.WithTimeout(e.taskCtx, e.opts.ActionTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if e.opts.CaptureScreenshots {
		snapshot.ScreenshotBefore = e.captureScreenshot(tctx)
	}

	execErr := e.dispatch(tctx, a)

	// Give the page a short settle window even after non-fatal failures, so
	// the snapshot reflects whatever state the page landed in; fatal failures
	// skip the settle window.
	if execErr == nil || !execErr.Kind.Fatal() {
		_ = chromedp.Run(tctx, chromedp.Sleep(e.opts.SettleDelay))
	}

	e.readPageState(tctx, &snapshot)

	if e.opts.CaptureScreenshots {
		snapshot.ScreenshotAfter = e.captureScreenshot(tctx)
	}

	navigated := snapshot.CurrentURL != "" && snapshot.CurrentURL != e.lastURL
	if navigated && e.opts.Backend != nil {
		if err := e.opts.Backend.SendPageView(ctx, snapshot.CurrentURL, e.opts.AgentID); err != nil {
			e.logger.Debug("page_view emission failed", "error", err)
		}
	}

	snapshot.BackendEvents = e.fetchEventDelta(ctx, &execErr)

	e.lastHTML = snapshot.CurrentHTML
	e.lastURL = snapshot.CurrentURL

	result := ActionResult{
		Snapshot:             snapshot,
		SuccessfullyExecuted: execErr == nil,
		ExecutionTime:        time.Since(start),
		Error:                execErr,
	}

	e.logger.Debug("action executed",
		"step", stepIndex,
		"kind", a.Kind(),
		"ok", result.SuccessfullyExecuted,
		"duration_ms", result.ExecutionTime.Milliseconds(),
	)
	return result
}

// Close tears down the browser context. Safe to call multiple times.
func (e *ChromeExecutor) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.taskCancel()
	e.allocCancel()
	return nil
}

// dispatch runs the variant-specific browser interaction and classifies any
// failure into the execution taxonomy.
func (e *ChromeExecutor) dispatch(ctx context.Context, a action.Action) *ExecutionError {
	switch act := a.(type) {
	case action.Navigate:
		err := chromedp.Run(ctx,
			chromedp.Navigate(act.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
		if err != nil {
			return classifyErr(err, ErrNavigation, "navigation to %s failed", act.URL)
		}
		return nil

	case action.Click:
		if act.Selector == nil {
			if err := chromedp.Run(ctx, chromedp.MouseClickXY(float64(act.X), float64(act.Y))); err != nil {
				return classifyErr(err, ErrInternal, "coordinate click (%d,%d) failed", act.X, act.Y)
			}
			return nil
		}
		if execErr := e.resolveSelector(ctx, act.Selector); execErr != nil {
			return execErr
		}
		if err := chromedp.Run(ctx, chromedp.Click(act.Selector.Query(), selectorBy(act.Selector))); err != nil {
			return classifyErr(err, ErrInternal, "click on %s failed", act.Selector)
		}
		return nil

	case action.Type:
		if execErr := e.resolveSelector(ctx, act.Selector); execErr != nil {
			return execErr
		}
		if err := chromedp.Run(ctx, chromedp.SendKeys(act.Selector.Query(), act.Text, selectorBy(act.Selector))); err != nil {
			return classifyErr(err, ErrInternal, "typing into %s failed", act.Selector)
		}
		return nil

	case action.Select:
		if execErr := e.resolveSelector(ctx, act.Selector); execErr != nil {
			return execErr
		}
		if err := chromedp.Run(ctx, chromedp.SetValue(act.Selector.Query(), act.Value, selectorBy(act.Selector))); err != nil {
			return classifyErr(err, ErrInternal, "selecting %q on %s failed", act.Value, act.Selector)
		}
		return nil

	case action.SendKeys:
		if err := chromedp.Run(ctx, chromedp.KeyEvent(translateKeys(act.Keys))); err != nil {
			return classifyErr(err, ErrInternal, "key input %q failed", act.Keys)
		}
		return nil

	case action.Scroll:
		script := fmt.Sprintf("window.scrollBy(%d, %d)", act.DeltaX, act.DeltaY)
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, nil)); err != nil {
			return classifyErr(err, ErrInternal, "scroll by (%d,%d) failed", act.DeltaX, act.DeltaY)
		}
		return nil

	case action.Wait:
		d := act.Duration
		if d > e.opts.ActionTimeout {
			d = e.opts.ActionTimeout
		}
		if err := chromedp.Run(ctx, chromedp.Sleep(d)); err != nil {
			return classifyErr(err, ErrInternal, "wait of %s interrupted", act.Duration)
		}
		return nil

	default:
		return NewExecutionError(ErrInternal, "unsupported action kind %s", a.Kind())
	}
}

// resolveSelector checks the selector addresses at least one node before the
// interaction so "no such element" is reported as SelectorNotFound rather
// than as a generic wait timeout.
func (e *ChromeExecutor) resolveSelector(ctx context.Context, sel *action.Selector) *ExecutionError {
	if sel == nil {
		return NewExecutionError(ErrInternal, "action requires a selector")
	}
	if err := sel.Validate(); err != nil {
		return NewExecutionError(ErrSelectorNotFound, "invalid selector: %v", err)
	}

	var nodes []*cdp.Node
	err := chromedp.Run(ctx, chromedp.Nodes(sel.Query(), &nodes, selectorBy(sel), chromedp.AtLeast(0)))
	if err != nil {
		return classifyErr(err, ErrInternal, "selector resolution for %s failed", sel)
	}
	if len(nodes) == 0 {
		return NewExecutionError(ErrSelectorNotFound, "selector %s matched no element", sel)
	}
	return nil
}

// readPageState fills the snapshot's URL and DOM fields, tolerating failures
// so a best-effort snapshot survives timeouts.
func (e *ChromeExecutor) readPageState(ctx context.Context, snapshot *Snapshot) {
	var (
		currentURL string
		html       string
	)
	if err := chromedp.Run(ctx, chromedp.Location(&currentURL)); err == nil {
		snapshot.CurrentURL = currentURL
	}
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err == nil {
		snapshot.CurrentHTML = html
	} else {
		snapshot.CurrentHTML = e.lastHTML
	}
}

// fetchEventDelta reads the backend event delta for this step. Backend
// unavailability downgrades to an empty delta with a non-fatal Backend error
// attached only when the step had no earlier failure.
func (e *ChromeExecutor) fetchEventDelta(ctx context.Context, execErr **ExecutionError) []backend.Event {
	if e.opts.Backend == nil {
		return nil
	}
	events, err := e.opts.Backend.EventsSince(ctx, e.opts.AgentID)
	if err != nil {
		e.logger.Warn("backend events unavailable", "error", err)
		if *execErr == nil {
			*execErr = NewExecutionError(ErrBackend, "backend events unavailable: %v", err)
		}
		return nil
	}
	return events
}

func (e *ChromeExecutor) captureScreenshot(ctx context.Context) string {
	var buf []byte
	if err := chromedp.Run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		e.logger.Debug("screenshot capture failed", "error", err)
		return ""
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// selectorBy maps a selector's addressing mode onto a chromedp query option.
func selectorBy(sel *action.Selector) chromedp.QueryOption {
	if sel != nil && sel.Type == action.SelectorXPath {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// classifyErr maps a chromedp error onto the execution taxonomy: context
// deadlines and cancellations become Timeout, "net::ERR" errors become
// Navigation, everything else keeps the caller's default kind.
func classifyErr(err error, fallback ErrorKind, format string, args ...any) *ExecutionError {
	kind := fallback
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ErrTimeout
	case errors.Is(err, context.Canceled):
		kind = ErrTimeout
	case strings.Contains(err.Error(), "net::ERR"):
		kind = ErrNavigation
	}
	msg := fmt.Sprintf(format, args...)
	return NewExecutionError(kind, "%s: %v", msg, err)
}

// translateKeys maps named keys onto their control characters; anything else
// is sent through verbatim.
func translateKeys(keys string) string {
	switch strings.ToLower(keys) {
	case "enter", "return":
		return kb.Enter
	case "tab":
		return kb.Tab
	case "escape", "esc":
		return kb.Escape
	case "backspace":
		return kb.Backspace
	case "delete", "del":
		return kb.Delete
	case "arrowdown", "down":
		return kb.ArrowDown
	case "arrowup", "up":
		return kb.ArrowUp
	case "arrowleft", "left":
		return kb.ArrowLeft
	case "arrowright", "right":
		return kb.ArrowRight
	default:
		return keys
	}
}
