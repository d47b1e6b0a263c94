package aegis

import (
	"context"
	"fmt"

	"github.com/aegis-dev/aegis/domain"
	"github.com/rs/zerolog/log"
)

// HookEvent names a lifecycle event handlers can be attached to.
type HookEvent string

const (
	HookSignup  HookEvent = "signup"
	HookSignin  HookEvent = "signin"
	HookSignout HookEvent = "signout"
)

// HookContext is handed to every handler of a dispatch.
type HookContext struct {
	User     *domain.User
	ClientID string
}

// HookFunc is a plain handler, invoked inline during dispatch.
type HookFunc func(ctx context.Context, hc *HookContext) error

// ReleaseFunc tears down a scoped handler.
type ReleaseFunc func(ctx context.Context) error

// HookScopeFunc is a scoped handler: it acquires a resource on entry and
// returns the release that undoes it. Releases run in reverse entry order
// once the dispatch finishes.
type HookScopeFunc func(ctx context.Context, hc *HookContext) (ReleaseFunc, error)

// HookHandler is the normalized internal variant every registration collapses
// to: exactly one of fn or scope is set.
type HookHandler struct {
	fn    HookFunc
	scope HookScopeFunc
}

// HookFn wraps a plain function as a handler.
func HookFn(f HookFunc) HookHandler {
	return HookHandler{fn: f}
}

// HookScope wraps a scoped function as a handler.
func HookScope(f HookScopeFunc) HookHandler {
	return HookHandler{scope: f}
}

// Hooks lists the handlers per event, in dispatch order. Nil slices mean no
// handlers; the zero value is a valid no-op configuration. Hooks are fixed at
// server construction and immutable afterwards.
type Hooks struct {
	OnSignup  []HookHandler
	OnSignin  []HookHandler
	OnSignout []HookHandler
}

// HookRunner executes the handlers registered for an event in a fixed,
// deterministic order without dropping failures.
type HookRunner struct {
	hooks Hooks
}

// NewHookRunner creates a runner over an immutable hook configuration.
func NewHookRunner(hooks Hooks) *HookRunner {
	return &HookRunner{hooks: hooks}
}

func (r *HookRunner) handlersFor(event HookEvent) []HookHandler {
	switch event {
	case HookSignup:
		return r.hooks.OnSignup
	case HookSignin:
		return r.hooks.OnSignin
	case HookSignout:
		return r.hooks.OnSignout
	default:
		return nil
	}
}

// Dispatch runs every handler for the event. Scoped handlers are entered
// first, in list order, accumulating their releases on a stack; plain
// handlers then run in list order; finally the stack unwinds in reverse
// (LIFO) order. The first error encountered, in entry or body, halts forward
// progress and is returned to the caller, but only after every
// already-entered scope has been released. Nothing is swallowed: release
// failures surface too, though a forward error takes precedence.
func (r *HookRunner) Dispatch(ctx context.Context, event HookEvent, hc *HookContext) error {
	handlers := r.handlersFor(event)
	if len(handlers) == 0 {
		return nil
	}

	var releases []ReleaseFunc
	var dispatchErr error

	for _, h := range handlers {
		if h.scope == nil {
			continue
		}
		release, err := h.scope(ctx, hc)
		if err != nil {
			dispatchErr = fmt.Errorf("hook %s: scope entry failed: %w", event, err)
			break
		}
		if release != nil {
			releases = append(releases, release)
		}
	}

	if dispatchErr == nil {
		for _, h := range handlers {
			if h.fn == nil {
				continue
			}
			if err := h.fn(ctx, hc); err != nil {
				dispatchErr = fmt.Errorf("hook %s: handler failed: %w", event, err)
				break
			}
		}
	}

	// Unwind LIFO. Every entered scope is released even when the dispatch
	// already failed.
	for i := len(releases) - 1; i >= 0; i-- {
		if err := releases[i](ctx); err != nil {
			if dispatchErr == nil {
				dispatchErr = fmt.Errorf("hook %s: release failed: %w", event, err)
			} else {
				log.Error().Err(err).Str("event", string(event)).Msg("hook release failed during unwind")
			}
		}
	}

	return dispatchErr
}
