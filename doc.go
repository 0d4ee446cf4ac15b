// Package requestcontrol provides admission control and graceful-suspend
// coordination for long-running servers.
//
// There are two main use cases for this:
//
//  1. Graceful shutdown - when the number of active requests reaches zero
//     the server can be suspended or shut down without aborting work.
//  2. Request limiting - the total number of concurrently active requests
//     can be capped, with overflow work queued, timed out, or rejected.
//
// The package is built from a small set of cooperating components. The
// Controller owns the global active-request counter, the capacity limit and
// a FIFO task queue. ControlPoints are named, reference-counted admission
// gates (scoped to a deployment and an entry mechanism) that delegate to the
// Controller but can be paused individually. The SuspendController drives an
// ordered, multi-phase quiescence across every registered Activity, the
// Controller included, and exposes the symmetric resume path.
//
// Basic usage:
//
//	registry := requestcontrol.NewActivityRegistry(logger)
//	controller := requestcontrol.NewController(registry, requestcontrol.WithLogger(logger))
//	if err := controller.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//
//	cp := controller.ControlPoint("my-deployment", "http")
//	if cp.BeginRequest() == requestcontrol.RunResultRun {
//		defer cp.RequestComplete()
//		// handle the request
//	}
package requestcontrol
