package utils

import (
	"sort"
	"strings"
)

// EnvList turns an environment mapping into KEY=VALUE pairs sorted by key.
// The result is never nil, so passing it as exec.Cmd.Env never inherits the
// parent environment.
func EnvList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

// Basename strips the registry/path prefix and the tag from an image
// reference: "ghcr.io/org/chal:v2" becomes "chal".
func Basename(ref string) string {
	if !strings.ContainsAny(ref, "/:") {
		return ref
	}
	name, _, _ := strings.Cut(ref, ":")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
