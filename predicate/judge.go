package predicate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CompletionProvider is the minimal LLM interface the judge needs. It can be
// implemented by any chat-completion client; image inputs travel as base64
// strings in the message content.
type CompletionProvider interface {
	// Complete returns the model's text reply for the given messages.
	Complete(ctx context.Context, messages []JudgeMessage) (string, error)
}

// JudgeMessage is one chat message sent to the judging model.
type JudgeMessage struct {
	// Role is "system" or "user".
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// Images optionally attaches base64-encoded screenshots.
	Images []string `json:"images,omitempty"`
}

const htmlJudgeSystemPrompt = `You are a professional web page analyzer. Determine whether the given task was completed by the action, by analyzing the HTML before and after it. Respond with valid JSON: {"result": true} or {"result": false}.`

const screenshotJudgeSystemPrompt = `You are a professional web page analyzer. Determine whether the given task was completed by comparing the screenshots taken before and after the action. Respond with valid JSON: {"result": true} or {"result": false}.`

// LLMJudge implements Judge on top of a chat-completion provider.
type LLMJudge struct {
	provider CompletionProvider
}

// NewLLMJudge creates a judge backed by the given provider.
func NewLLMJudge(provider CompletionProvider) (*LLMJudge, error) {
	if provider == nil {
		return nil, fmt.Errorf("judge requires a completion provider")
	}
	return &LLMJudge{provider: provider}, nil
}

// JudgeHTML asks the model whether the success criteria are met given the
// DOM before and after the action.
func (j *LLMJudge) JudgeHTML(ctx context.Context, successCriteria, actionDescription, htmlBefore, htmlAfter string) (bool, error) {
	user := fmt.Sprintf("Success criteria: %s\nCurrent action: %s\nHTML Before:\n%s\n\nHTML After:\n%s",
		successCriteria, actionDescription, htmlBefore, htmlAfter)

	reply, err := j.provider.Complete(ctx, []JudgeMessage{
		{Role: "system", Content: htmlJudgeSystemPrompt},
		{Role: "user", Content: user},
	})
	if err != nil {
		return false, fmt.Errorf("html judge completion failed: %w", err)
	}
	return parseJudgeReply(reply)
}

// JudgeScreenshot asks the model whether the success criteria are met given
// the before/after screenshots.
func (j *LLMJudge) JudgeScreenshot(ctx context.Context, successCriteria, screenshotBefore, screenshotAfter string) (bool, error) {
	reply, err := j.provider.Complete(ctx, []JudgeMessage{
		{Role: "system", Content: screenshotJudgeSystemPrompt},
		{
			Role:    "user",
			Content: fmt.Sprintf("Task: %q", successCriteria),
			Images:  []string{screenshotBefore, screenshotAfter},
		},
	})
	if err != nil {
		return false, fmt.Errorf("screenshot judge completion failed: %w", err)
	}
	return parseJudgeReply(reply)
}

// parseJudgeReply extracts the boolean verdict from the model's reply,
// tolerating markdown code fences and surrounding prose.
func parseJudgeReply(reply string) (bool, error) {
	content := strings.TrimSpace(reply)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return false, fmt.Errorf("no JSON object in judge reply: %s", reply)
	}

	var verdict struct {
		Result bool `json:"result"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return false, fmt.Errorf("failed to decode judge reply: %w", err)
	}
	return verdict.Result, nil
}
