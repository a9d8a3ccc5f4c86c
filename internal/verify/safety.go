package verify

import (
	"fmt"
	"regexp"
)

type safetyRule struct {
	name    string
	pattern *regexp.Regexp
}

var safetyRules = []safetyRule{
	{"dynamic code evaluation (eval)", regexp.MustCompile(`\beval\s*\(`)},
	{"dynamic code evaluation (Function constructor)", regexp.MustCompile(`\bnew\s+Function\s*\(`)},
	{"destructive filesystem call", regexp.MustCompile(`fs\.(rmSync|rmdirSync|unlinkSync|rm)\s*\(|rimraf\s*\(`)},
	{"destructive shell command", regexp.MustCompile(`\brm\s+-rf?\b`)},
	{"process spawning", regexp.MustCompile(`child_process|execSync\s*\(`)},
	{"unsafe HTML injection", regexp.MustCompile(`\.innerHTML\s*=|document\.write\s*\(`)},
	{"unbounded busy loop", regexp.MustCompile(`while\s*\(\s*(true|1)\s*\)\s*\{[^}]*\}`)},
	{"tight nested compute loop", regexp.MustCompile(`for\s*\([^)]*\)\s*\{[^{}]*for\s*\([^)]*\)\s*\{[^{}]*Math\.\w+\s*\(`)},
	{"fork bomb pattern", regexp.MustCompile(`\.fork\s*\(\s*\)[^;]*\.fork\s*\(`)},
}

// checkSafety pattern-matches for constructs that must never run, even in a
// sandbox: dynamic evaluation, destructive filesystem or shell calls, HTML
// injection, and obvious resource exhaustion.
func checkSafety(artifact string) (bool, string) {
	for _, rule := range safetyRules {
		if rule.pattern.MatchString(artifact) {
			return false, fmt.Sprintf("dangerous construct: %s", rule.name)
		}
	}
	return true, ""
}
