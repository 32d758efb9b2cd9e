// Package redis provides the optional Redis integration of the orchestrator.
//
// # Overview
//
// Redis is never the system of record. It carries three supporting concerns:
//   - Client: connection management with pooling and retry logic
//   - RunNotifier: pub/sub wakeups telling dispatchers a run was queued
//   - DedupeSet: a ttlset.Set shared by every process, used to suppress
//     repeated webhook events
//
// When REDIS_HOST is empty none of these are built and dispatchers rely on
// polling alone.
//
// # Wakeups
//
//	notifier := redis.NewRunNotifier(client, log)
//	if err := notifier.StartListener(ctx, dispatcher.Wake); err != nil {
//		return err
//	}
//	runService := app.NewRunService(runs, findings, ledger, scenarios, notifier, log)
//
// A lost pub/sub message only delays a run until the next poll.
package redis
