package verify

import (
	"fmt"
	"regexp"
	"strings"
)

// Keyword multipliers translate the request's apparent scope into an output
// size expectation. A typo fix should not come back as five hundred lines.
var (
	lowEffortKeywords  = []string{"fix", "typo", "rename", "tweak", "adjust", "correct"}
	highEffortKeywords = []string{"build", "implement", "create", "full", "complete", "scaffold", "rewrite"}
)

const (
	lowEffortMultiplier     = 3
	defaultEffortMultiplier = 8
	highEffortMultiplier    = 25
	minExpectedBytes        = 400
)

var (
	importPattern = regexp.MustCompile(`(?m)^\s*(?:import\s+.*?from\s+['"]([^'"]+)['"]|(?:const|let|var)\s+\w+\s*=\s*require\(\s*['"]([^'"]+)['"]\s*\))`)
	classPattern  = regexp.MustCompile(`\bclass\s+(\w+)`)
)

// checkEntropy compares the artifact against the scope implied by the
// prompt: disproportionate size, imports the prompt never mentioned, and
// class declarations nobody asked for.
func checkEntropy(prompt, artifact string) (bool, string) {
	multiplier := promptMultiplier(prompt)
	expected := len(prompt) * multiplier
	if expected < minExpectedBytes {
		expected = minExpectedBytes
	}
	if len(artifact) > expected {
		return false, fmt.Sprintf("output size %d exceeds expectation %d for this request scope", len(artifact), expected)
	}

	promptLower := strings.ToLower(prompt)
	for _, match := range importPattern.FindAllStringSubmatch(artifact, -1) {
		module := match[1]
		if module == "" {
			module = match[2]
		}
		base := moduleBase(module)
		if base != "" && !strings.Contains(promptLower, strings.ToLower(base)) {
			return false, fmt.Sprintf("unexplained import %q not mentioned in the request", module)
		}
	}

	if !strings.Contains(promptLower, "class") {
		if match := classPattern.FindStringSubmatch(artifact); match != nil {
			return false, fmt.Sprintf("unrequested class declaration %q", match[1])
		}
	}
	return true, ""
}

func promptMultiplier(prompt string) int {
	lower := strings.ToLower(prompt)
	for _, kw := range lowEffortKeywords {
		if strings.Contains(lower, kw) {
			return lowEffortMultiplier
		}
	}
	for _, kw := range highEffortKeywords {
		if strings.Contains(lower, kw) {
			return highEffortMultiplier
		}
	}
	return defaultEffortMultiplier
}

func moduleBase(module string) string {
	module = strings.TrimPrefix(module, "./")
	module = strings.TrimPrefix(module, "../")
	if i := strings.LastIndexByte(module, '/'); i >= 0 {
		module = module[i+1:]
	}
	return strings.TrimSpace(module)
}
