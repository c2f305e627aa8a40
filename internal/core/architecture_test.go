package core_test

import (
	"testing"

	"txgraph/testutil"
)

func TestCoreReachesDriversOnlyThroughAdapters(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.DriverImport,
		"storage drivers belong to internal/infra")
}
