package runlevel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finit-go/finit/internal/hook"
	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/procsup"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/registry"
	"github.com/finit-go/finit/internal/service"
)

type fakeSweeper struct {
	sweeps int
	reset  []service.ID
}

func (s *fakeSweeper) Sweep() { s.sweeps++ }

func (s *fakeSweeper) ResetCrash(rec *registry.Record) {
	s.reset = append(s.reset, rec.ID)
	rec.RestartCnt = 0
	rec.Crashed = false
}

type fakeRebooter struct {
	called bool
	cmd    int
	err    error
}

func (r *fakeRebooter) Reboot(cmd int) error {
	r.called = true
	r.cmd = cmd
	return r.err
}

func newTestController(t *testing.T) (*Controller, *registry.Registry, *fakeSweeper, *fakeRebooter, func()) {
	t.Helper()
	log := logging.Nop()

	loop, err := reactor.New(log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = loop.Run(ctx)
	}()

	sup, err := procsup.New(log, loop, nil)
	require.NoError(t, err)

	reg := registry.New()
	sweep := &fakeSweeper{}
	boot := &fakeRebooter{}
	hooks := hook.NewRegistry()

	c := New(log, loop, reg, sup, hooks, sweep, boot)

	return c, reg, sweep, boot, func() {
		cancel()
		<-done
		_ = loop.Close()
	}
}

func TestController_StartsAtSingleUser(t *testing.T) {
	c, _, _, _, stop := newTestController(t)
	defer stop()

	assert.Equal(t, byte('S'), c.CurrentRunlevel())
}

func TestController_Set_SameTargetIsNoOp(t *testing.T) {
	c, _, sweep, _, stop := newTestController(t)
	defer stop()

	c.current = '2'
	require.NoError(t, c.Set(context.Background(), '2'))
	assert.Equal(t, 0, sweep.sweeps)
}

func TestController_Set_SwitchesAndSweepsTwice(t *testing.T) {
	c, _, sweep, _, stop := newTestController(t)
	defer stop()

	require.NoError(t, c.Set(context.Background(), '2'))
	assert.Equal(t, byte('2'), c.CurrentRunlevel())
	assert.Equal(t, byte('S'), c.previous)
	assert.Equal(t, 2, sweep.sweeps, "Set must sweep once before the hook and once after clearing Once flags")
}

func TestController_Set_ClearsOnceFlags(t *testing.T) {
	c, reg, _, _, stop := newTestController(t)
	defer stop()

	rec, _ := reg.Register(service.Definition{ID: service.ID{Cmd: "job", Num: "1"}, Kind: service.KindTask})
	rec.Once = true

	require.NoError(t, c.Set(context.Background(), '2'))
	assert.False(t, rec.Once, "switching runlevels must reset the one-shot budget")
}

func TestController_Set_ResetsCrashState(t *testing.T) {
	c, reg, sweep, _, stop := newTestController(t)
	defer stop()

	rec, _ := reg.Register(service.Definition{ID: service.ID{Cmd: "web", Num: "1"}, Kind: service.KindService})
	rec.Crashed = true
	rec.RestartCnt = 10

	require.NoError(t, c.Set(context.Background(), '2'))
	assert.Contains(t, sweep.reset, rec.ID, "exiting and re-entering a runlevel must reset crash eligibility")
	assert.False(t, rec.Crashed)
	assert.Equal(t, 0, rec.RestartCnt)
}

func TestController_Set_ZeroSignalsFleetAndReboots(t *testing.T) {
	c, reg, _, boot, stop := newTestController(t)
	defer stop()

	rec, _ := reg.Register(service.Definition{
		ID: service.ID{Cmd: "web", Num: "1"}, Kind: service.KindService, Argv: []string{"/bin/webd"},
	})
	rec.Pid = 999999 // not a real pid; Stop on a non-existent pid must not panic, just error internally

	require.NoError(t, c.Set(context.Background(), '0'))
	assert.True(t, boot.called)
	assert.Equal(t, cmdPowerOff, boot.cmd)
	assert.Equal(t, byte('0'), c.CurrentRunlevel())
}

func TestController_Set_SixReboots(t *testing.T) {
	c, _, _, boot, stop := newTestController(t)
	defer stop()

	require.NoError(t, c.Set(context.Background(), '6'))
	assert.Equal(t, cmdRestart, boot.cmd)
}

func TestController_Set_MissingRebooterErrors(t *testing.T) {
	c, _, _, _, stop := newTestController(t)
	defer stop()
	c.boot = nil

	err := c.Set(context.Background(), '0')
	assert.Error(t, err)
}

func TestEnvironment_ComposesControllerAndTeardown(t *testing.T) {
	c, _, _, _, stop := newTestController(t)
	defer stop()
	c.current = '3'

	env := Environment{Controller: c, Teardown: fakeTeardown{inTeardown: true}}
	assert.Equal(t, byte('3'), env.CurrentRunlevel())
	assert.True(t, env.InTeardown())
}

type fakeTeardown struct{ inTeardown bool }

func (f fakeTeardown) InTeardown() bool { return f.inTeardown }
