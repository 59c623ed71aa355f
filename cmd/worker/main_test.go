package main

import (
	"testing"

	"github.com/odyssey-erp/consolidation/internal/app"
	_ "github.com/odyssey-erp/consolidation/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	if !app.InTestMode() {
		t.Fatal("expected test mode to be enabled by the guard")
	}
	main()
}
