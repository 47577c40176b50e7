// Package jobs defines the queued cache tasks and their handlers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/thumbcache/actions"
	"github.com/briangreenhill/thumbcache/cache"
)

// Manager is the part of cache.Manager the handlers drive directly.
type Manager interface {
	SmartClear(ctx context.Context, stub bool) cache.Result
	InvalidateSitePostMeta(ctx context.Context, siteID, postID int64) cache.Result
}

// Handlers runs cache tasks.
type Handlers struct {
	Manager   Manager
	Actions   *actions.Registry
	AutoClear bool
	Log       zerolog.Logger
}

// Register routes every task type to its handler.
func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskSmartClear, h.HandleSmartClear)
	mux.HandleFunc(TaskAction, h.HandleAction)
	mux.HandleFunc(TaskPostSaved, h.HandlePostSaved)
}

func (h *Handlers) HandleSmartClear(ctx context.Context, t *asynq.Task) error {
	var p SmartClearPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	return h.settle(t.Type(), h.Manager.SmartClear(ctx, p.Stub))
}

func (h *Handlers) HandleAction(ctx context.Context, t *asynq.Task) error {
	var p ActionPayload
	if err := decode(t, &p); err != nil {
		return err
	}

	start := time.Now()
	r, err := h.Actions.Run(ctx, p.Action, p.Arg)
	if err != nil {
		h.Log.Error().Err(err).Str("action", p.Action).Msg("dropping task")
		return errors.Join(err, asynq.SkipRetry)
	}
	for _, sr := range actions.Sweep(ctx, h.Manager, h.AutoClear) {
		if sr.Status == cache.StatusFailed {
			h.Log.Warn().Err(sr.Err).Str("op", sr.Op).Msg("sweep after action failed")
		}
	}
	h.Log.Info().Str("action", p.Action).Str("status", string(r.Status)).Int("count", r.Count).Dur("duration", time.Since(start)).Msg("action done")
	return h.settle(t.Type(), r)
}

func (h *Handlers) HandlePostSaved(ctx context.Context, t *asynq.Task) error {
	var p PostSavedPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	if p.PostID <= 0 || p.SiteID < 0 {
		return fmt.Errorf("site %d post %d: %w", p.SiteID, p.PostID, asynq.SkipRetry)
	}
	return h.settle(t.Type(), h.Manager.InvalidateSitePostMeta(ctx, p.SiteID, p.PostID))
}

// settle maps a result to the task outcome: failures caused by setup or
// input are dropped, anything else is retried.
func (h *Handlers) settle(task string, r cache.Result) error {
	if r.Status != cache.StatusFailed {
		return nil
	}
	if isPermanent(r.Err) {
		h.Log.Error().Err(r.Err).Str("task", task).Msg("permanent failure, dropping task")
		return errors.Join(r.Err, asynq.SkipRetry)
	}
	h.Log.Warn().Err(r.Err).Str("task", task).Msg("retryable failure")
	return r.Err
}

func isPermanent(err error) bool {
	for _, e := range []error{
		cache.ErrMissingCacheRoot,
		cache.ErrNoSourceURL,
		cache.ErrUndeterminedPattern,
		cache.ErrMetaKeyUnset,
		cache.ErrNoMetaStore,
		cache.ErrUnknownAction,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return err == nil
}

func decode(t *asynq.Task, v any) error {
	if err := json.Unmarshal(t.Payload(), v); err != nil {
		return fmt.Errorf("bad %s payload: %w: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}
