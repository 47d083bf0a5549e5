// Package llm - util.go provides shared utilities for model response processing.
package llm

import "strings"

// CleanJSONBlock removes markdown code block wrappers from JSON responses.
// Models often wrap JSON in ```json ... ``` blocks even when instructed not to.
func CleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)

	// Handle ```json ... ``` blocks
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}

	// Handle generic ``` ... ``` blocks
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		// Skip potential language identifier on first line
		if idx := strings.Index(text, "\n"); idx >= 0 {
			firstLine := text[:idx]
			if len(firstLine) < 20 && !strings.Contains(firstLine, " ") && !strings.Contains(firstLine, "{") {
				text = text[idx+1:]
			}
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}

	return text
}

// ExtractJSONObject returns the substring between the first '{' and the
// last '}', for responses that bury JSON under conversational preamble.
// Returns the cleaned input unchanged when no braces are found.
func ExtractJSONObject(text string) string {
	text = CleanJSONBlock(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// ExtractJSONArray is ExtractJSONObject for array responses.
func ExtractJSONArray(text string) string {
	text = CleanJSONBlock(text)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// ParseTitleReflection splits a combined title+reflection completion:
// first line is the title (lowercased, quotes stripped), the rest is
// the reflection.
func ParseTitleReflection(text string) (title, reflection string) {
	parts := strings.SplitN(text, "\n", 2)
	title = strings.ToLower(strings.TrimSpace(parts[0]))
	title = strings.ReplaceAll(title, `"`, "")
	title = strings.ReplaceAll(title, "'", "")
	if len(parts) > 1 {
		reflection = strings.TrimSpace(parts[1])
	}
	return title, reflection
}

// CleanTitle normalizes a standalone title completion.
func CleanTitle(text string) string {
	title := strings.ToLower(strings.TrimSpace(text))
	title = strings.ReplaceAll(title, `"`, "")
	title = strings.ReplaceAll(title, "'", "")
	return title
}
