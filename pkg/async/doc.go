// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, context cancellation, and error collection. The billing daemon uses
// it for work that runs off the request path: archiving raw webhook payloads,
// delivering outcome webhooks, and re-driving pending payment events.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, logger, 10*time.Second, "archive payload", func(ctx context.Context) error {
//		return archiver.Put(ctx, digest, body)
//	})
//
// WorkerPool: Managed pool of concurrent workers
//
//	pool := async.NewWorkerPool(ctx, logger, 4, "outcome delivery", 30*time.Second)
//	defer pool.Shutdown(5 * time.Second)
//	pool.Submit(task)
//
// Batch: Process a slice with bounded concurrency and collect errors
//
//	errs := async.Batch(ctx, logger, items, 4, "pending sweep", time.Minute, fn)
//
// # Panic Recovery
//
// Every task runs under recover. A panic is logged with its stack trace and
// reported as an error; it never takes down the process.
package async
