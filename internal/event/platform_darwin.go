//go:build darwin

package event

// LibrarySuffix is the file extension of shim libraries.
const LibrarySuffix = ".dylib"
