// Package guard prepares the environment for tests that touch binaries or
// configuration: test mode is switched on and placeholder authority
// credentials are provided unless the caller set real ones.
package guard

import "os"

var defaults = map[string]string{
	"DIMONA_TEST_MODE":     "1",
	"DIMONA_CLIENT_ID":     "test-client",
	"DIMONA_CLIENT_SECRET": "test-secret",
}

func init() {
	for key, value := range defaults {
		if _, ok := os.LookupEnv(key); !ok {
			_ = os.Setenv(key, value)
		}
	}
}
