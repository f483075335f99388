package orchestrator

import "syscall"

// execProcess replaces the current process image. Split out so tests can
// exercise the handoff path without losing the test process.
func execProcess(argv0 string, argv []string, envv []string) error {
	return syscall.Exec(argv0, argv, envv)
}
