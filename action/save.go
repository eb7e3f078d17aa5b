package action

import (
	"context"

	"github.com/meigma/volcache"
)

// RunSave runs the save step that follows a restore step.
//
// Saving is skipped when the restore step hit the primary key exactly.
// RunSave never fails the job: every problem is reported as a warning, and
// losing a reservation to a concurrent job is reported as information.
func (r *Runner) RunSave(ctx context.Context) {
	if r.IsGHES() {
		r.Warning("Cache action is not supported on GHES")
		return
	}
	if !r.IsValidEvent() {
		r.eventWarning()
		return
	}

	matched := r.State(StateMatchedKey)
	key := r.State(StatePrimaryKey)
	if key == "" {
		r.Warning("Error retrieving key from state.")
		return
	}
	if matched != "" && volcache.KeysEqual(key, matched) {
		r.Info("Cache hit occurred on the primary key %s, not saving cache.", key)
		return
	}

	lines := r.InputList(InputPath)
	if len(lines) == 0 {
		r.Warning("Input required and not supplied: " + InputPath)
		return
	}
	paths, err := ExpandPaths(lines)
	if err != nil {
		r.Warning(err.Error())
		return
	}

	entry, err := r.cache.Save(ctx, paths, key)
	switch {
	case err == nil:
		r.Info("Cache saved with key: %s", key)
		r.log().Info("cache saved", "key", key, "id", entry.ID(), "size", entry.Size)
	case volcache.IsReserve(err):
		r.Info("Unable to reserve cache with key %s, another job may be creating this cache.", key)
	default:
		r.Warning(err.Error())
	}
}
