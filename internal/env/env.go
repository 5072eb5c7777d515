// Package env builds the environment an observed process inherits: the
// observation variables read by the sensor shims and a dynamic-linker
// preload list that loads them without disturbing existing entries.
package env

import (
	"log/slog"
	"strings"
)

// Reserved variable names. Shims read these, so they are part of the wire
// contract.
const (
	LibsVar   = "POBSERVE_LIBS"
	OptsVar   = "POBSERVE_OPTS"
	SocketVar = "POBSERVE_SOCKET"
)

// MaxPreloadLen bounds the full "NAME=value" preload entry. A merge that
// would exceed it is abandoned rather than truncated.
const MaxPreloadLen = 2048

// Augment returns a copy of template carrying the observation variables
// and a preload entry that loads libs.
//
// Reserved variables already present are replaced in the slot of their
// first occurrence and later duplicates are dropped; missing ones are
// appended. An existing preload value is kept as the suffix of the merged
// one, and libraries it already names are not added twice. If the merged
// entry would not fit in MaxPreloadLen the existing preload entry is left
// exactly as it was.
func Augment(template []string, libs, opts, socket string) []string {
	existing, hasPreload := Lookup(template, PreloadVar)

	preload, ok := mergePreload(existing, libs)
	if !ok {
		slog.Warn("preload list too long, observation libraries not added",
			"variable", PreloadVar, "existing_len", len(existing), "limit", MaxPreloadLen)
		preload = existing
	}

	want := []struct {
		key, value string
		add        bool
	}{
		{PreloadVar, preload, hasPreload || preload != ""},
		{LibsVar, libs, true},
		{OptsVar, opts, true},
		{SocketVar, socket, true},
	}

	out := make([]string, 0, len(template)+len(want))
	placed := make(map[string]bool, len(want))
	for _, kv := range template {
		key := keyOf(kv)
		idx := -1
		for i, w := range want {
			if w.key == key {
				idx = i
				break
			}
		}
		if idx < 0 {
			out = append(out, kv)
			continue
		}
		if placed[key] || !want[idx].add {
			continue
		}
		out = append(out, key+"="+want[idx].value)
		placed[key] = true
	}
	for _, w := range want {
		if w.add && !placed[w.key] {
			out = append(out, w.key+"="+w.value)
		}
	}
	return out
}

// mergePreload prepends the libraries in libs that existing does not
// already mention. It reports false when the result would not fit.
func mergePreload(existing, libs string) (string, bool) {
	var add []string
	for _, lib := range strings.Split(libs, ":") {
		if lib == "" || strings.Contains(existing, lib) {
			continue
		}
		add = append(add, lib)
	}
	if len(add) == 0 {
		return existing, true
	}
	merged := strings.Join(add, ":")
	if existing != "" {
		merged += ":" + existing
	}
	if len(PreloadVar)+1+len(merged) > MaxPreloadLen {
		return "", false
	}
	return merged, true
}

// Lookup returns the value of the first key entry in env.
func Lookup(env []string, key string) (string, bool) {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

func keyOf(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}
