// Package guard switches binaries into test mode when imported by tests, so
// calling main does not dial Postgres or Redis.
package guard

import (
	"os"
	"sync"
)

// EnvTestMode mirrors the variable read by app.InTestMode.
const EnvTestMode = "CONSOL_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvTestMode) == "" {
			_ = os.Setenv(EnvTestMode, "1")
		}
	})
}
