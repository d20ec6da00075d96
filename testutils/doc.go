// Package testutils provides shared helpers for marketdb integration
// tests.
//
// The central piece is SetupTestDatabase, which connects to the local
// PostgreSQL instance described by config-test.toml (searched upward from
// the test's working directory), applies the schema migrations, and skips
// the test when no test database is configured.
//
// Example usage:
//
//	func TestSomething(t *testing.T) {
//		tdb := testutils.SetupTestDatabase(t)
//		defer tdb.Cleanup(t)
//		tdb.TruncateAllTables(t)
//		// ...
//	}
package testutils
