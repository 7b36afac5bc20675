package memory

import (
	"testing"

	"chronostore/testutil"
)

func TestImportsAreDomainOrStdlib(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.OnlyModuleImports(
		"chronostore/pkg/domain",
	), "stores depend only on domain contracts")
}
