// Package actions maps the named cache triggers of the admin surface onto
// cache manager operations.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/briangreenhill/thumbcache/cache"
)

// Action names accepted by the admin surface, the worker and the CLI.
const (
	RmStubThumbs = "rm_stub_thumbs"
	RmThumbs     = "rm_thumbs"
	RmPostMeta   = "rm_post_meta"
	RmAllData    = "rm_all_data"
	RmImgCache   = "rm_img_cache"
)

// Clearer is the part of cache.Manager the actions drive.
type Clearer interface {
	ClearAll(ctx context.Context, stubOnly bool) cache.Result
	ClearOne(ctx context.Context, ref string) cache.Result
	ClearMeta(ctx context.Context) cache.Result
}

// Action is one named trigger
type Action interface {
	// Name returns the trigger name (e.g., "rm_thumbs")
	Name() string

	// Run performs the action. arg is the image reference for actions that
	// take one and is ignored otherwise.
	Run(ctx context.Context, arg string) cache.Result
}

// Registry manages available actions
type Registry struct {
	actions map[string]Action
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[string]Action),
	}
}

// Default returns a registry holding every built-in action bound to c.
func Default(c Clearer) *Registry {
	r := NewRegistry()
	r.Register(Func(RmStubThumbs, func(ctx context.Context, _ string) cache.Result {
		return c.ClearAll(ctx, true)
	}))
	r.Register(Func(RmThumbs, func(ctx context.Context, _ string) cache.Result {
		return c.ClearAll(ctx, false)
	}))
	r.Register(Func(RmPostMeta, func(ctx context.Context, _ string) cache.Result {
		return c.ClearMeta(ctx)
	}))
	r.Register(Func(RmAllData, func(ctx context.Context, _ string) cache.Result {
		return Merge(RmAllData, c.ClearAll(ctx, false), c.ClearMeta(ctx))
	}))
	r.Register(Func(RmImgCache, func(ctx context.Context, arg string) cache.Result {
		return c.ClearOne(ctx, arg)
	}))
	return r
}

// Register adds an action, replacing any action of the same name
func (r *Registry) Register(a Action) {
	r.actions[a.Name()] = a
}

// Get retrieves an action by name
func (r *Registry) Get(name string) (Action, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// List returns all registered action names in sorted order
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run dispatches name. Unknown names return cache.ErrUnknownAction both as
// the error and in the failed result.
func (r *Registry) Run(ctx context.Context, name, arg string) (cache.Result, error) {
	a, ok := r.Get(name)
	if !ok {
		err := fmt.Errorf("%w: %q", cache.ErrUnknownAction, name)
		return cache.Result{ID: uuid.New(), Op: name, Status: cache.StatusFailed, Err: err, Message: err.Error()}, err
	}
	return a.Run(ctx, arg), nil
}

// SmartClearer runs the expiry sweeps.
type SmartClearer interface {
	SmartClear(ctx context.Context, stub bool) cache.Result
}

// Sweep runs the expiry sweeps that follow every admin action: stubs
// always, the full cache only when auto clearing is enabled.
func Sweep(ctx context.Context, s SmartClearer, autoClear bool) []cache.Result {
	out := []cache.Result{s.SmartClear(ctx, true)}
	if autoClear {
		out = append(out, s.SmartClear(ctx, false))
	}
	return out
}

type funcAction struct {
	name string
	fn   func(ctx context.Context, arg string) cache.Result
}

// Func adapts a function into an Action.
func Func(name string, fn func(ctx context.Context, arg string) cache.Result) Action {
	return funcAction{name: name, fn: fn}
}

func (f funcAction) Name() string { return f.name }

func (f funcAction) Run(ctx context.Context, arg string) cache.Result { return f.fn(ctx, arg) }

// Merge combines the results of a composite action. Any failure fails the
// whole; otherwise it is done when any part did something.
func Merge(op string, rs ...cache.Result) cache.Result {
	out := cache.Result{ID: uuid.New(), Op: op, Status: cache.StatusNoop}

	var (
		errs []error
		msgs []string
	)
	for _, r := range rs {
		out.Count += r.Count
		if r.Message != "" {
			msgs = append(msgs, r.Message)
		}
		switch r.Status {
		case cache.StatusFailed:
			out.Status = cache.StatusFailed
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		case cache.StatusDone:
			if out.Status != cache.StatusFailed {
				out.Status = cache.StatusDone
			}
		}
	}
	out.Err = errors.Join(errs...)
	out.Message = strings.Join(msgs, " ")
	return out
}
