package workers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/device"
)

// Config holds the minimum duration of one pass of each loop.
type Config struct {
	StateLoop      time.Duration `yaml:"stateLoop" default:"1s" validate:"gt=0"`
	ConnectionLoop time.Duration `yaml:"connectionLoop" default:"1s" validate:"gt=0"`
	TelemetryLoop  time.Duration `yaml:"telemetryLoop" default:"1s" validate:"gt=0"`
	PropertiesLoop time.Duration `yaml:"propertiesLoop" default:"1s" validate:"gt=0"`
	ReplayLoop     time.Duration `yaml:"replayLoop" default:"100ms" validate:"gt=0"`
	// TelemetryLoops splits the telemetry actors into contiguous chunks,
	// one goroutine per chunk.
	TelemetryLoops int `yaml:"telemetryLoops" default:"4" validate:"gte=1"`
}

func (c Config) withDefaults() Config {
	if c.StateLoop <= 0 {
		c.StateLoop = time.Second
	}
	if c.ConnectionLoop <= 0 {
		c.ConnectionLoop = time.Second
	}
	if c.TelemetryLoop <= 0 {
		c.TelemetryLoop = time.Second
	}
	if c.PropertiesLoop <= 0 {
		c.PropertiesLoop = time.Second
	}
	if c.ReplayLoop <= 0 {
		c.ReplayLoop = 100 * time.Millisecond
	}
	if c.TelemetryLoops < 1 {
		c.TelemetryLoops = 4
	}

	return c
}

// Hooks run at the start of every pass of the matching loop, before any
// actor. They typically refill the per-loop budgets.
type Hooks struct {
	BeforeConnectionPass func()
	BeforePropertiesPass func()
}

// Group is a running set of loops.
type Group struct {
	wg sync.WaitGroup
}

// Start launches the state, connection, telemetry, properties and replay
// loops over t. The loops exit when ctx is done.
func Start(ctx context.Context, cfg Config, t *Tables, hooks Hooks, logger zerolog.Logger) *Group {
	cfg = cfg.withDefaults()
	g := &Group{}

	g.wg.Go(func() {
		Run(ctx, cfg.StateLoop, func(ctx context.Context) {
			each(ctx, logger, "state", t.State.Snapshot(), func(a *device.StateActor) { a.Run() })
		})
	})
	g.wg.Go(func() {
		Run(ctx, cfg.ConnectionLoop, func(ctx context.Context) {
			if hooks.BeforeConnectionPass != nil {
				hooks.BeforeConnectionPass()
			}
			each(ctx, logger, "connection", t.Connection.Snapshot(), func(a *device.ConnectionActor) { a.Run(ctx) })
		})
	})
	for i := range cfg.TelemetryLoops {
		g.wg.Go(func() {
			Run(ctx, cfg.TelemetryLoop, func(ctx context.Context) {
				actors := Chunk(t.Telemetry.Snapshot(), i, cfg.TelemetryLoops)
				each(ctx, logger, "telemetry", actors, func(a *device.TelemetryActor) { a.Run(ctx) })
			})
		})
	}
	g.wg.Go(func() {
		Run(ctx, cfg.PropertiesLoop, func(ctx context.Context) {
			if hooks.BeforePropertiesPass != nil {
				hooks.BeforePropertiesPass()
			}
			each(ctx, logger, "properties", t.Properties.Snapshot(), func(a *device.PropertiesActor) { a.Run(ctx) })
		})
	})
	g.wg.Go(func() {
		Run(ctx, cfg.ReplayLoop, func(ctx context.Context) {
			each(ctx, logger, "replay", t.Replay.Snapshot(), func(a *device.ReplayActor) { a.Run(ctx) })
		})
	})

	return g
}

// Wait blocks until every loop returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Run calls pass until ctx is done, starting a pass at most once per minPass.
func Run(ctx context.Context, minPass time.Duration, pass func(ctx context.Context)) {
	for ctx.Err() == nil {
		start := time.Now()
		pass(ctx)
		if !SlowDownIfTooFast(ctx, start, minPass) {
			return
		}
	}
}

// SlowDownIfTooFast sleeps for what is left of minPass since start. It
// returns false if ctx was cancelled.
func SlowDownIfTooFast(ctx context.Context, start time.Time, minPass time.Duration) bool {
	rest := minPass - time.Since(start)
	if rest <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(rest)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Chunk returns the i-th of n contiguous chunks of items. Chunk sizes
// differ by at most one.
func Chunk[A any](items []A, i, n int) []A {
	if n <= 1 {
		return items
	}
	lo, hi := i*len(items)/n, (i+1)*len(items)/n

	return items[lo:hi]
}

func each[A any](ctx context.Context, logger zerolog.Logger, kind string, actors []A, fn func(A)) {
	for _, a := range actors {
		if ctx.Err() != nil {
			return
		}
		runSafe(logger, kind, a, fn)
	}
}

func runSafe[A any](logger zerolog.Logger, kind string, a A, fn func(A)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("loop", kind).Msg("actor panicked")
		}
	}()
	fn(a)
}
