package aegis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-dev/aegis/domain"
)

func TestHookDispatchOrdering(t *testing.T) {
	var order []string

	runner := NewHookRunner(Hooks{
		OnSignin: []HookHandler{
			HookScope(func(context.Context, *HookContext) (ReleaseFunc, error) {
				order = append(order, "enter-a")
				return func(context.Context) error {
					order = append(order, "release-a")
					return nil
				}, nil
			}),
			HookFn(func(context.Context, *HookContext) error {
				order = append(order, "plain-1")
				return nil
			}),
			HookScope(func(context.Context, *HookContext) (ReleaseFunc, error) {
				order = append(order, "enter-b")
				return func(context.Context) error {
					order = append(order, "release-b")
					return nil
				}, nil
			}),
			HookFn(func(context.Context, *HookContext) error {
				order = append(order, "plain-2")
				return nil
			}),
		},
	})

	err := runner.Dispatch(context.Background(), HookSignin, &HookContext{})
	require.NoError(t, err)

	// Scopes enter in list order, plain handlers run next, releases unwind LIFO.
	assert.Equal(t, []string{
		"enter-a", "enter-b",
		"plain-1", "plain-2",
		"release-b", "release-a",
	}, order)
}

func TestHookDispatchErrorHaltsAndReleases(t *testing.T) {
	var order []string
	boom := errors.New("boom")

	runner := NewHookRunner(Hooks{
		OnSignup: []HookHandler{
			HookScope(func(context.Context, *HookContext) (ReleaseFunc, error) {
				order = append(order, "enter-a")
				return func(context.Context) error {
					order = append(order, "release-a")
					return nil
				}, nil
			}),
			HookFn(func(context.Context, *HookContext) error {
				order = append(order, "plain-1")
				return boom
			}),
			HookFn(func(context.Context, *HookContext) error {
				order = append(order, "plain-2")
				return nil
			}),
		},
	})

	err := runner.Dispatch(context.Background(), HookSignup, &HookContext{})
	require.ErrorIs(t, err, boom)

	// The failing handler halts forward progress, but the entered scope is
	// still released.
	assert.Equal(t, []string{"enter-a", "plain-1", "release-a"}, order)
}

func TestHookDispatchScopeEntryErrorStopsEntering(t *testing.T) {
	var order []string
	boom := errors.New("entry failed")

	runner := NewHookRunner(Hooks{
		OnSignin: []HookHandler{
			HookScope(func(context.Context, *HookContext) (ReleaseFunc, error) {
				order = append(order, "enter-a")
				return func(context.Context) error {
					order = append(order, "release-a")
					return nil
				}, nil
			}),
			HookScope(func(context.Context, *HookContext) (ReleaseFunc, error) {
				order = append(order, "enter-b")
				return nil, boom
			}),
			HookScope(func(context.Context, *HookContext) (ReleaseFunc, error) {
				order = append(order, "enter-c")
				return nil, nil
			}),
			HookFn(func(context.Context, *HookContext) error {
				order = append(order, "plain")
				return nil
			}),
		},
	})

	err := runner.Dispatch(context.Background(), HookSignin, &HookContext{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"enter-a", "enter-b", "release-a"}, order)
}

func TestHookDispatchReleaseErrorSurfaces(t *testing.T) {
	boom := errors.New("release failed")

	runner := NewHookRunner(Hooks{
		OnSignout: []HookHandler{
			HookScope(func(context.Context, *HookContext) (ReleaseFunc, error) {
				return func(context.Context) error { return boom }, nil
			}),
		},
	})

	err := runner.Dispatch(context.Background(), HookSignout, &HookContext{})
	assert.ErrorIs(t, err, boom)
}

func TestHookDispatchForwardErrorWinsOverReleaseError(t *testing.T) {
	forward := errors.New("handler failed")
	release := errors.New("release failed")

	runner := NewHookRunner(Hooks{
		OnSignin: []HookHandler{
			HookScope(func(context.Context, *HookContext) (ReleaseFunc, error) {
				return func(context.Context) error { return release }, nil
			}),
			HookFn(func(context.Context, *HookContext) error { return forward }),
		},
	})

	err := runner.Dispatch(context.Background(), HookSignin, &HookContext{})
	assert.ErrorIs(t, err, forward)
	assert.NotErrorIs(t, err, release)
}

func TestHookDispatchNoHandlers(t *testing.T) {
	runner := NewHookRunner(Hooks{})

	err := runner.Dispatch(context.Background(), HookSignin, &HookContext{
		User: &domain.User{ID: "u1"},
	})
	assert.NoError(t, err)
}
