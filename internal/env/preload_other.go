//go:build !darwin

package env

// PreloadVar is the dynamic linker's preload variable.
const PreloadVar = "LD_PRELOAD"
