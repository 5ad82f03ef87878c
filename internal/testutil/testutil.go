// Package testutil provides shared skip helpers, WAV assertions and a
// deterministic fake engine for tests.
//
// Each Require helper calls t.Skip with a clear human-readable reason when
// the named prerequisite is absent, so integration tests remain runnable in
// partial environments without failing noisily.
//
// Typical usage:
//
//	func TestMyIntegration(t *testing.T) {
//	    testutil.RequireRHVoice(t)
//	    testutil.RequireEncoder(t, "lame")
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// RequireRHVoice skips the test if no RHVoice shared library can be located.
// It checks (in order): the RHVOICELIBPATH env var, then the
// RHVOICE_ENGINE_LIB_PATH env var, then common system library paths.
func RequireRHVoice(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{"RHVOICELIBPATH", "RHVOICE_ENGINE_LIB_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p
			}

			tb.Skipf("RHVoice library not found at %s=%q", env, p)
			return ""
		}
	}

	candidates := []string{
		"/usr/lib/libRHVoice.so",
		"/usr/local/lib/libRHVoice.so",
		"/usr/lib/x86_64-linux-gnu/libRHVoice.so",
		"/usr/local/lib/libRHVoice.dylib",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	tb.Skip("RHVoice shared library not found; set RHVOICELIBPATH")
	return ""
}

// RequireEncoder skips the test if the named encoder binary is not in PATH.
func RequireEncoder(tb testing.TB, name string) {
	tb.Helper()

	if _, err := exec.LookPath(name); err != nil {
		tb.Skipf("%s not available in PATH", name)
	}
}

// RequireDataPath skips the test if the RHVoice voice data directory is
// missing. It honours RHVOICEDATAPATH.
func RequireDataPath(tb testing.TB) string {
	tb.Helper()

	p := os.Getenv("RHVOICEDATAPATH")
	if p == "" {
		p = filepath.Join("/usr", "local", "share", "RHVoice")
	}
	if st, err := os.Stat(p); err != nil || !st.IsDir() {
		tb.Skipf("RHVoice data path %q not available", p)
		return ""
	}

	return p
}
