package rclone

import "strings"

// ReservedEnvPrefix marks environment variables owned by the rclone
// binary. They are removed from every child environment so CLI flags stay
// authoritative.
const ReservedEnvPrefix = "RCLONE_"

// ScrubEnviron returns a copy of env with every variable whose name
// starts with ReservedEnvPrefix removed.
func ScrubEnviron(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, ReservedEnvPrefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
