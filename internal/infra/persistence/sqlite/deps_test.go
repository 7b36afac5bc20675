package sqlite

import (
	"testing"

	"chronostore/testutil"
)

func TestImportsAreDomainOrStdlib(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.OnlyModuleImports(
		"chronostore/pkg/domain",
		"chronostore/internal/infra/persistence/sqlrows",
	), "stores depend only on domain contracts")
}
