//go:build darwin

package env

// PreloadVar is the dynamic linker's insert-libraries variable.
const PreloadVar = "DYLD_INSERT_LIBRARIES"
