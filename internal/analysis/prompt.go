package analysis

import "strings"

const (
	DefaultSystemPrompt  = "You are an analyst for real-time X monitoring. Provide concise, practical analysis based on the user's request."
	DefaultMonitorPrompt = "Summarize why this post matters and what to watch next."

	userPromptTemplate = "{{monitor_prompt}}\n\nPost:\n{{post_text}}"
)

// RenderUserPrompt combines the target prompt with the post text. An empty
// prompt falls back to DefaultMonitorPrompt.
func RenderUserPrompt(prompt, postText string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		prompt = DefaultMonitorPrompt
	}
	return strings.NewReplacer(
		"{{monitor_prompt}}", prompt,
		"{{post_text}}", strings.TrimSpace(postText),
	).Replace(userPromptTemplate)
}
