package llm

import "strings"

// ExtractCode pulls the first fenced code block out of a model reply,
// returning the body and the fence's language tag. A reply without a fence
// is returned whole: some models answer with bare code.
func ExtractCode(content string) (code, language string) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		return trimmed, ""
	}
	rest := trimmed[start+3:]
	newline := strings.IndexByte(rest, '\n')
	if newline < 0 {
		return trimmed, ""
	}
	language = strings.TrimSpace(rest[:newline])
	body := rest[newline+1:]
	end := strings.Index(body, "```")
	if end < 0 {
		return strings.TrimSpace(body), language
	}
	return strings.TrimSpace(body[:end]), language
}
