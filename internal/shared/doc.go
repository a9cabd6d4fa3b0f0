// Package shared holds cross-cutting test helpers. The testutil
// subpackage provides the in-memory billing provider double used by the
// engine, webhook, and transport tests.
package shared
