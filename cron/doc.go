// Package cron runs the engine's periodic maintenance on robfig/cron
// schedules.
//
// Every node runs the same schedules, but a task only does work on the
// node the cluster coordinator elects. All tasks are idempotent, so a
// coordinator change mid-run at worst repeats a purge.
//
// # Tasks
//
//   - [TaskDLQPurge] removes dead-letter entries older than the retention
//   - [TaskExchangePurge] removes released message exchanges
//   - [TaskNodeSweep] reaps nodes that stopped heartbeating and releases
//     their job leases
//
// Each completed task fires the ext.MaintenanceRan hook with the number of
// affected rows.
//
//	m, err := cron.NewScheduler(sched, cron.WithConfig(cron.Config{
//	    DLQPurge:     "0 3 * * *",
//	    DLQRetention: 14 * 24 * time.Hour,
//	}))
//	m.Start(ctx)
package cron
