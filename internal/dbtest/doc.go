/*
Package dbtest spins up database containers for tests that need a real
database server, on top of the testcontainers-go library.

Tests that do not care about the details of the server should call the helpers
of this package, so that every package tests against the same deployment. A
test that needs a customised server should use the testcontainers-go modules
directly.

To keep a container running after a failed test, so that its state can be
inspected manually, pass the inspect flag:

	go test ./neo4jresolver -dbtest.inspect

Container-based tests are skipped in short mode.
*/
package dbtest
