// Package runner ramps populations of virtual users up and down over time.
//
// A [Scheduler] runs one controller per [Scenario]. Each controller:
//   - Waits for the scenario's start offset
//   - Re-reads its stage plan every tick (100ms by default)
//   - Spawns sessions until the live count reaches the interpolated target
//   - Selects the newest sessions for removal when the target drops
//
// # Basic Usage
//
//	sched, err := runner.New(runner.Options{
//		Scenarios: []runner.Scenario{{
//			Name: "soak",
//			Stages: []runner.Stage{
//				{Duration: 50 * time.Second, Target: 250},
//				{Duration: 110 * time.Second, Target: 250},
//			},
//			GracefulRampDown: 40 * time.Second,
//			Session: runner.SessionTemplate{
//				Endpoint: "ws://localhost:6001/app/app-key",
//				Lifetime: 160 * time.Second,
//			},
//		}},
//		Dialer: session.WebSocketDialer{},
//		Sink:   collector,
//	})
//	result, err := sched.Run(ctx)
//
// # Stage Plans
//
// Targets move linearly from the previous stage's target ([RampLinear]) or
// jump at the start of each stage ([RampStep]). The first stage ramps from
// zero. Linear targets are floored so a rising ramp never overshoots.
//
// # Ramp-down
//
// A session removed from the live count keeps running until its own lifetime
// deadline or the scenario's GracefulRampDown, whichever comes first. The
// same grace applies when a scenario ends or the run is aborted.
//
// # Failures
//
// Sessions that fail to connect are not retried. The shortfall is filled by
// new sessions on a later tick, paced by SpawnRate. Resource exhaustion
// aborts every scenario and is returned from [Scheduler.Run].
package runner
