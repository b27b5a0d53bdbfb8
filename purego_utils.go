//go:build darwin || linux

// Shared helpers for the system libraries loaded through purego (libgbm,
// libEGL).

package vidplane

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/ebitengine/purego"
)

// goStringFromPtr converts a NUL-terminated C string to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
		if length > 1<<16 {
			break
		}
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// findModuleRoot walks up from the working directory to the directory
// holding go.mod.
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// libSearchPaths lists candidate locations for a shared library, highest
// priority first: the envVar override, next to the executable, the
// module's lib directory, then the bare sonames for the system loader.
func libSearchPaths(envVar string, sonames ...string) []string {
	var paths []string
	if p := os.Getenv(envVar); p != "" {
		paths = append(paths, p)
	}
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		for _, name := range sonames {
			paths = append(paths,
				filepath.Join(exeDir, name),
				filepath.Join(exeDir, "..", "lib", name),
			)
		}
	}
	if root := findModuleRoot(); root != "" {
		for _, name := range sonames {
			paths = append(paths, filepath.Join(root, "lib", name))
		}
	}
	paths = append(paths, sonames...)
	return paths
}

// dlopenFirst opens the first path that loads.
func dlopenFirst(lib string, paths []string) (uintptr, error) {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return handle, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, fmt.Errorf("failed to load %s: %w", lib, lastErr)
	}
	return 0, errors.New(lib + " not found in any standard location")
}
