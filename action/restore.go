package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/meigma/volcache"
	"github.com/meigma/volcache/resolve"
)

// RunRestore runs the restore step.
//
// Missing required inputs, invalid keys and a miss with fail-on-cache-miss
// set are returned as errors and should fail the step. Any other cache
// failure is reported as a warning and treated as a miss.
func (r *Runner) RunRestore(ctx context.Context) error {
	if r.IsGHES() {
		r.Warning("Cache action is not supported on GHES")
		return r.SetOutput(OutputCacheHit, "false")
	}
	if !r.IsValidEvent() {
		r.eventWarning()
		return nil
	}

	key, err := r.RequiredInput(InputKey)
	if err != nil {
		return err
	}
	if err := r.SaveState(StatePrimaryKey, key); err != nil {
		return err
	}
	if err := r.SetOutput(OutputPrimaryKey, key); err != nil {
		return err
	}
	restoreKeys := r.InputList(InputRestoreKeys)
	lines := r.InputList(InputPath)
	if len(lines) == 0 {
		return fmt.Errorf("%w: %s", ErrInputRequired, InputPath)
	}
	lookupOnly, err := r.InputBool(InputLookupOnly)
	if err != nil {
		return err
	}
	failOnMiss, err := r.InputBool(InputFailOnCacheMiss)
	if err != nil {
		return err
	}

	var m volcache.Match
	if lookupOnly {
		m, err = r.cache.Lookup(ctx, key, restoreKeys)
	} else {
		var paths []string
		paths, err = ExpandPaths(lines)
		if err == nil {
			m, err = r.cache.Restore(ctx, paths, key, restoreKeys)
		}
	}
	if err != nil {
		if volcache.IsValidation(err) {
			return err
		}
		r.Warning(err.Error())
		return r.SetOutput(OutputCacheHit, "false")
	}

	if !m.Found() {
		if failOnMiss {
			return fmt.Errorf("%w: input key %s", ErrCacheMiss, key)
		}
		r.Info("Cache not found for input keys: %s", strings.Join(resolve.Candidates(key, restoreKeys), ", "))
		return r.SetOutput(OutputCacheHit, "false")
	}

	if err := r.SaveState(StateMatchedKey, m.Key); err != nil {
		return err
	}
	if err := r.SetOutput(OutputMatchedKey, m.Key); err != nil {
		return err
	}
	if err := r.SetOutput(OutputCacheHit, strconv.FormatBool(m.ExactHit(key))); err != nil {
		return err
	}
	if lookupOnly {
		r.Info("Cache found and can be restored from key: %s", m.Key)
	} else {
		r.Info("Cache restored from key: %s", m.Key)
	}
	return nil
}
