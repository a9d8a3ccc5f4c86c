package llm

import "testing"

func TestExtractCode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		content  string
		wantCode string
		wantLang string
	}{
		{
			name:     "fenced with language",
			content:  "Here you go:\n```javascript\nconsole.log(1);\n```\nDone.",
			wantCode: "console.log(1);",
			wantLang: "javascript",
		},
		{
			name:     "fenced without language",
			content:  "```\nlet x = 1;\n```",
			wantCode: "let x = 1;",
			wantLang: "",
		},
		{
			name:     "first of several fences wins",
			content:  "```go\npackage main\n```\nand also\n```js\nvar y;\n```",
			wantCode: "package main",
			wantLang: "go",
		},
		{
			name:     "no fence returns trimmed content",
			content:  "  const z = 3;  ",
			wantCode: "const z = 3;",
			wantLang: "",
		},
		{
			name:     "unterminated fence returns remainder",
			content:  "```typescript\nconst a: number = 1;",
			wantCode: "const a: number = 1;",
			wantLang: "typescript",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, lang := ExtractCode(tc.content)
			if code != tc.wantCode {
				t.Fatalf("code = %q, want %q", code, tc.wantCode)
			}
			if lang != tc.wantLang {
				t.Fatalf("language = %q, want %q", lang, tc.wantLang)
			}
		})
	}
}
