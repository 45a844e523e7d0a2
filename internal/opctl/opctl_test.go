package opctl

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/conscious-bot/core/internal/config"
	"github.com/conscious-bot/core/internal/registry"
	"github.com/conscious-bot/core/internal/tickbudget"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	cfg := config.Defaults()
	log := zap.NewNop()
	reg := registry.New(log)
	enforcer := tickbudget.New(cfg.Loop, cfg.Safemode)
	return New("/unused.sock", reg, enforcer, log), reg
}

func TestDispatch_UnknownCommand(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.dispatch(Request{Cmd: "bogus"})
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "unknown command")
}

func TestDispatch_StatusRequiresModule(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.dispatch(Request{Cmd: "status"})
	require.False(t, resp.OK)
}

func TestDispatch_StatusUnknownModule(t *testing.T) {
	s, _ := newTestServer(t)
	resp := s.dispatch(Request{Cmd: "status", Module: "nope"})
	require.False(t, resp.OK)
}

func TestDispatch_ListReturnsRegisteredModules(t *testing.T) {
	s, reg := newTestServer(t)
	reg.Register(registry.RegisterOpts{ID: "reflex.safety", Tier: registry.TierReflex})
	reg.Register(registry.RegisterOpts{ID: "reactive.eat", Tier: registry.TierReactive})

	resp := s.dispatch(Request{Cmd: "list"})
	require.True(t, resp.OK)
	require.Len(t, resp.Modules, 2)
	require.Equal(t, "reactive.eat", resp.Modules[0].ID)
}

func TestDispatch_PinTierDowngradesModule(t *testing.T) {
	s, reg := newTestServer(t)
	reg.Register(registry.RegisterOpts{ID: "reflex.safety", Tier: registry.TierReflex})

	resp := s.dispatch(Request{Cmd: "pin_tier", Module: "reflex.safety"})
	require.True(t, resp.OK)
	require.True(t, resp.Module.Downgraded)
	require.Equal(t, int(registry.TierDeliberative), resp.Module.EffectiveTier)
}

func TestDispatch_ForceAndClearSafeMode(t *testing.T) {
	s, _ := newTestServer(t)

	forced := s.dispatch(Request{Cmd: "force_safemode", Reason: "operator_drill"})
	require.True(t, forced.OK)
	require.True(t, forced.SafeMode.Active)
	require.Equal(t, "operator_drill", forced.SafeMode.Reason)

	cleared := s.dispatch(Request{Cmd: "clear_safemode"})
	require.True(t, cleared.OK)
	require.False(t, cleared.SafeMode.Active)
}
