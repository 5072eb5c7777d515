// Package optcode packs a per-kind observation flag set into a single
// printable character so it can ride in an environment variable.
//
// Only the low 5 bits of a flag set survive the encoding: the high bits of
// the character are fixed to '@' (0x40) so every code is printable. A kind
// that grows a sixth option needs a wider scheme; Encode silently drops
// anything above bit 4.
package optcode

// Mask selects the bits that survive encoding.
const Mask = 0x1F

// base is OR-ed onto every code. '@' through '_' are all printable.
const base = '@'

// scanLimit bounds how far Decode looks into an option string.
const scanLimit = 8

// Encode returns the printable code for flags.
func Encode(flags uint8) byte {
	return base | (flags & Mask)
}

// Decode returns the flag set stored at index in opts. An empty string, an
// index outside the first scanLimit characters, or an index past the
// string's end (or its first NUL) all decode to zero.
func Decode(opts string, index int) uint8 {
	if opts == "" || index < 0 || index >= scannedLen(opts) {
		return 0
	}
	return opts[index] & Mask
}

func scannedLen(s string) int {
	n := 0
	for n < len(s) && n < scanLimit && s[n] != 0 {
		n++
	}
	return n
}
