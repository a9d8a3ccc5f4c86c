package verify

import (
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"strings"
)

// checkSyntax validates the artifact in its declared language. Go goes
// through the real parser; JavaScript and TypeScript go through a structural
// scanner that catches the failure modes generated code actually exhibits:
// unbalanced delimiters and unterminated strings or templates.
func checkSyntax(artifact, language string) (bool, string) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "go", "golang":
		return checkGoSyntax(artifact)
	default:
		return scanJSSyntax(artifact)
	}
}

func checkGoSyntax(artifact string) (bool, string) {
	src := artifact
	if !strings.Contains(src, "package ") {
		// Snippets arrive without a package clause.
		src = "package main\n\n" + src
	}
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "artifact.go", src, 0); err != nil {
		return false, fmt.Sprintf("go parse error: %v", err)
	}
	return true, ""
}

type bracket struct {
	char rune
	line int
}

var bracketPairs = map[rune]rune{')': '(', ']': '[', '}': '{'}

// scanJSSyntax walks the artifact character by character tracking string,
// template, comment and bracket state. It is not a parser; it names the
// first structural error and its line.
func scanJSSyntax(artifact string) (bool, string) {
	var stack []bracket
	line := 1
	var inString rune // ' " or ` while inside a literal
	stringLine := 0
	inLineComment := false
	inBlockComment := false
	var prev rune

	runes := []rune(artifact)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if c == '\n' {
			line++
			inLineComment = false
			if inString == '\'' || inString == '"' {
				return false, fmt.Sprintf("unterminated string literal at line %d", stringLine)
			}
			prev = c
			continue
		}
		if inLineComment {
			prev = c
			continue
		}
		if inBlockComment {
			if prev == '*' && c == '/' {
				inBlockComment = false
				prev = 0
				continue
			}
			prev = c
			continue
		}
		if inString != 0 {
			if c == inString && prev != '\\' {
				inString = 0
			}
			if prev == '\\' && c == '\\' {
				// Escaped backslash does not escape the next rune.
				prev = 0
				continue
			}
			prev = c
			continue
		}

		switch c {
		case '/':
			if i+1 < len(runes) {
				switch runes[i+1] {
				case '/':
					inLineComment = true
					i++
					prev = 0
					continue
				case '*':
					inBlockComment = true
					i++
					prev = 0
					continue
				}
			}
		case '\'', '"', '`':
			inString = c
			stringLine = line
		case '(', '[', '{':
			stack = append(stack, bracket{char: c, line: line})
		case ')', ']', '}':
			want := bracketPairs[c]
			if len(stack) == 0 {
				return false, fmt.Sprintf("unexpected %q at line %d", c, line)
			}
			top := stack[len(stack)-1]
			if top.char != want {
				return false, fmt.Sprintf("mismatched %q at line %d (open %q at line %d)", c, line, top.char, top.line)
			}
			stack = stack[:len(stack)-1]
		}
		prev = c
	}

	if inString == '\'' || inString == '"' {
		return false, fmt.Sprintf("unterminated string literal at line %d", stringLine)
	}
	if inString == '`' {
		return false, fmt.Sprintf("unterminated template literal at line %d", stringLine)
	}
	if inBlockComment {
		return false, "unterminated block comment"
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return false, fmt.Sprintf("unclosed %q opened at line %d", top.char, top.line)
	}
	return true, ""
}

var executablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bfunction\b`),
	regexp.MustCompile(`=>`),
	regexp.MustCompile(`\bclass\s+\w`),
	regexp.MustCompile(`\bconsole\.\w+\s*\(`),
	regexp.MustCompile(`\b(const|let|var)\s+\w+\s*=`),
	regexp.MustCompile(`\w+\s*\([^)]*\)\s*;`),
}

// looksExecutable reports whether the artifact contains patterns worth
// running, as opposed to prose or configuration.
func looksExecutable(artifact string) bool {
	for _, p := range executablePatterns {
		if p.MatchString(artifact) {
			return true
		}
	}
	return false
}

var declarationPattern = regexp.MustCompile(`^\s*(export\s+)?(declare\s+)?(interface|type|enum)\s`)

// declarationOnly reports whether every non-empty line is part of a pure
// type/interface declaration. Such artifacts get syntax-only validation.
func declarationOnly(artifact string) bool {
	depth := 0
	sawDecl := false
	for _, raw := range strings.Split(artifact, "\n") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if depth == 0 {
			if !declarationPattern.MatchString(raw) {
				return false
			}
			sawDecl = true
		}
		depth += strings.Count(trimmed, "{") - strings.Count(trimmed, "}")
	}
	return sawDecl
}
