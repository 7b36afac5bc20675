package domain_test

import (
	"testing"

	"chronostore/testutil"
)

// TestDomainImportsStandardLibraryOnly keeps the domain layer free of
// internal packages and third-party modules so every adapter can depend on it.
func TestDomainImportsStandardLibraryOnly(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.NonStdlibImport, "domain must only import the standard library")
}
