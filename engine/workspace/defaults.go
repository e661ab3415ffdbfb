package workspace

import "sort"

// builtinDefaults maps bootstrap filenames to the content served when a
// tenant has neither a custom override nor a template copy. The set
// mirrors what the agent runtime expects to find in a fresh workspace.
var builtinDefaults = map[string]string{
	"AGENTS.md": `# Agent Workspace

This workspace belongs to a managed OpenClaw agent.

- Bootstrap files live at the workspace root.
- Daily notes live under memory/ as YYYY-MM-DD.md.
- Custom overrides live under custom/ and take precedence over everything else.
`,
	"SOUL.md": `# Soul

You are a helpful, careful assistant. Be direct, be kind, and say so
when you do not know something.
`,
	"TOOLS.md": `# Tools

Notes about locally available tools. The agent runtime populates this
file with environment-specific tips; edits are preserved.
`,
	"IDENTITY.md": `# Identity

- Name: OpenClaw Agent
- Emoji: 🦞
`,
	"USER.md": `# User

Notes about the human this agent works with. Filled in over time.
`,
	"HEARTBEAT.md": `# Heartbeat

Periodic check-in instructions. Keep this file short; it is read on
every heartbeat tick.
`,
	"BOOTSTRAP.md": `# Bootstrap

First-run instructions for the agent. Remove entries once completed.
`,
	"MEMORY.md": `# Memory

Long-lived notes the agent keeps across sessions.
`,
}

// DefaultFileNames returns the bootstrap filenames that have built-in
// content, in stable sorted order.
func DefaultFileNames() []string {
	names := make([]string, 0, len(builtinDefaults))
	for name := range builtinDefaults {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasDefault reports whether filename has built-in default content.
func HasDefault(filename string) bool {
	_, ok := builtinDefaults[filename]
	return ok
}

// DefaultContent returns the built-in content for filename, if any.
func DefaultContent(filename string) (string, bool) {
	content, ok := builtinDefaults[filename]
	return content, ok
}
