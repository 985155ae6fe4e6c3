// Package rungate decides whether this process may run scheduled work.
//
// A gate is built once at startup and injected into the scheduler. Static
// gates suit single-instance deployments, Lockfile gates single hosts with
// several processes, and RedisLease gates multi-node deployments.
package rungate

import (
	"context"
	"fmt"
	"strings"
)

// Gate is consulted at the start of every scheduler tick.
type Gate interface {
	Allowed(ctx context.Context) bool
}

// Holder is implemented by gates whose permission expires. The scheduler holds
// the gate for the length of a tick; lost is closed once the permission could
// not be kept, and release stops keeping it.
type Holder interface {
	Hold(ctx context.Context) (lost <-chan struct{}, release func())
}

// Kind names a gate implementation in configuration.
type Kind string

const (
	KindStatic   Kind = "static"
	KindLockfile Kind = "lockfile"
	KindRedis    Kind = "redis"
)

// ParseKind parses a gate kind. An empty string selects KindStatic.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindStatic, nil
	case KindStatic, KindLockfile, KindRedis:
		return k, nil
	default:
		return "", fmt.Errorf("unknown run gate %q (expected static, lockfile or redis)", s)
	}
}
