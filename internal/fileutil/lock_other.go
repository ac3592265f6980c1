//go:build !unix && !windows

package fileutil

import "os"

// Platforms without advisory locking fall back to no locking.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
