package rungate

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/smtre/internal/util"
)

// RunScheduledWorkEnv is read once by StaticFromEnv.
const RunScheduledWorkEnv = "RUN_SCHEDULED_WORK"

// Static is a fixed decision made at construction time.
type Static struct {
	allowed bool
}

func NewStatic(allowed bool) Static {
	return Static{allowed: allowed}
}

// StaticFromEnv reads RUN_SCHEDULED_WORK, defaulting to true.
func StaticFromEnv() Static {
	allowed := util.ParseBoolEnv(RunScheduledWorkEnv, true)
	slog.Debug("rungate.StaticFromEnv", "allowed", allowed)
	return Static{allowed: allowed}
}

func (s Static) Allowed(context.Context) bool {
	return s.allowed
}
