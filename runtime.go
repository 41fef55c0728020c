package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// defaultRuntimeLibrary is the ONNX Runtime shared library name the dynamic
// loader searches for when no path is configured.
func defaultRuntimeLibrary(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	}
	return "libonnxruntime.so"
}

// runtimeLibraryPath returns the library to load. A configured value that
// names a file must exist; a bare name is left to the loader search path.
func runtimeLibraryPath(configured string) (string, error) {
	if configured == "" {
		return defaultRuntimeLibrary(runtime.GOOS), nil
	}
	if !strings.ContainsRune(configured, filepath.Separator) {
		return configured, nil
	}

	path, err := filepath.Abs(configured)
	if err != nil {
		return "", fmt.Errorf("runtime library path %s: %w", configured, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("runtime library not found: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("runtime library %s is a directory", path)
	}
	return path, nil
}
