// Package testutils provides test helpers shared by the nodedb packages.
// It should not be used outside of a testing context.
package testutils

import (
	"os"
	"runtime"
	"testing"
)

func init() {
	if !testing.Testing() {
		panic("testutils package should only be used in a testing context")
	}
}

// IntegrationEnv is the environment variable enabling the container backed tests.
const IntegrationEnv = "NODEDB_INTEGRATION_TESTS"

// SkipUnlessIntegration skips the test unless container backed tests were requested.
func SkipUnlessIntegration(t *testing.T) {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("Skipping container backed test on non-Linux OS")
	}
	if os.Getenv(IntegrationEnv) == "" {
		t.Skipf("Skipping container backed test, set %s to run it", IntegrationEnv)
	}
}
