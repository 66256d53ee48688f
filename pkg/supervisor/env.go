package supervisor

import (
	"os"
	"runtime"
	"slices"
	"strings"
)

var minimalEnvKeys = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM", "LANG", "LC_ALL", "TMPDIR", "TZ",
}

var minimalEnvKeysWindows = []string{
	"SYSTEMROOT", "SYSTEMDRIVE", "APPDATA", "LOCALAPPDATA", "USERPROFILE", "PATHEXT",
	"COMSPEC", "TEMP", "TMP", "PROGRAMFILES", "WINDIR",
}

// MinimalEnv returns the subset of the current environment every child
// receives. Children do not inherit the rest of the parent environment, so
// credentials exported in the user's shell stay out of servers that did not
// declare them.
func MinimalEnv() []string {
	keys := minimalEnvKeys
	if runtime.GOOS == "windows" {
		keys = append(slices.Clone(keys), minimalEnvKeysWindows...)
	}
	var env []string
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// mergeEnv lays overlay over base. Keys present in overlay replace the base
// entry instead of being appended after it.
func mergeEnv(base []string, overlay map[string]string) []string {
	fold := runtime.GOOS == "windows"
	same := func(a, b string) bool {
		if fold {
			return strings.EqualFold(a, b)
		}
		return a == b
	}
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		replaced := false
		for k := range overlay {
			if same(k, key) {
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		out = append(out, k+"="+overlay[k])
	}
	return out
}
