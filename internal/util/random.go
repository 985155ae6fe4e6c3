package util

import (
	"math/rand/v2"
	"os"
	"strings"
)

const hexChars = "0123456789abcdef"

// RandomHex returns n pseudo-random hex characters. Not for secrets.
func RandomHex(n int) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// InstanceName builds a name unique to this process, "{prefix}-{host}-{hex}".
// It names stream consumers when none is configured.
func InstanceName(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return prefix + "-" + host + "-" + RandomHex(6)
}
