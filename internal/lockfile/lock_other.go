//go:build !unix

package lockfile

import "os"

// Platforms without flock fall back to advisory create-only semantics:
// the open itself succeeded, so the lock is granted. Concurrent runs on
// these platforms are the operator's responsibility.
func flockExclusive(f *os.File) error { return nil }

func flockUnlock(f *os.File) error { return nil }
