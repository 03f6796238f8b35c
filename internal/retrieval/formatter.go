package retrieval

import (
	"fmt"
	"strings"
	"time"
)

// defaultBasePrompt opens the instruction block when the deployment
// configures no instructions of its own.
const defaultBasePrompt = "You are a helpful voice assistant. Keep replies short, natural to speak aloud, and on topic."

// FormatConversationContext renders an assembled [Context] into the
// instruction block passed to the provider at session start.
//
// basePrompt is the deployment's own instruction text and always comes
// first; empty falls back to a generic voice-assistant opening. Empty
// sections (no history, no facts) are omitted entirely rather than
// rendering as empty headers.
//
// The formatter is pure apart from reading the clock for relative ages; it
// performs no I/O and is safe for concurrent use.
func FormatConversationContext(c *Context, basePrompt string) string {
	base := strings.TrimSpace(basePrompt)
	if base == "" {
		base = defaultBasePrompt
	}
	if c == nil {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)

	if history := formatHistorySection(c); history != "" {
		sb.WriteString("\n\n## Caller History\n")
		sb.WriteString(history)
	}

	if facts := formatFactsSection(c); facts != "" {
		sb.WriteString("\n\n## Relevant Facts\n")
		sb.WriteString(facts)
	}

	return sb.String()
}

// formatHistorySection renders the returning-caller line and prior
// conversation summaries with relative ages. Empty for first-time callers.
func formatHistorySection(c *Context) string {
	if !c.IsReturningUser() {
		return ""
	}

	lines := []string{
		fmt.Sprintf("This caller has spoken with you in %d previous session(s).", c.PreviousSessions),
	}
	now := time.Now()
	for _, s := range c.Summaries {
		lines = append(lines, fmt.Sprintf("[%s] %s", formatRelativeAge(now.Sub(s.CreatedAt)), s.Summary))
	}
	return strings.Join(lines, "\n")
}

// formatFactsSection renders the facts-pack statements as bullet lines.
func formatFactsSection(c *Context) string {
	if len(c.Facts) == 0 {
		return ""
	}

	var lines []string
	for _, r := range c.Facts {
		line := "- " + r.Fact.Text
		if r.Fact.Topic != "" {
			line += " (" + r.Fact.Topic + ")"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// formatRelativeAge converts a duration to a compact label such as
// "just now", "30s ago", "2m ago", "5h ago", "3d ago".
func formatRelativeAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
