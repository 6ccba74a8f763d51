// Package cluster provides node registration and the coordinator
// strategy used by the scheduler.
//
// Every engine process registers itself as a [Node] and heartbeats. A
// node whose heartbeat is older than the configured TTL is dead: the
// coordinator releases the job leases it still holds so other nodes can
// claim those jobs.
//
// # Coordinator
//
// Singleton duties (dead-node recovery, maintenance tasks) run only on
// the node for which [Coordinator.AmICoordinator] reports true. The
// answer may flap; every singleton duty is idempotent, so two nodes
// briefly both acting as coordinator is harmless.
//
//   - [Static] always answers the same; Static(true) is the single-node
//     default.
//   - [LeaseCoordinator] holds a renewable leadership lease in a [Store].
//   - cluster/etcd campaigns in an etcd election.
//
// Stores: the storage backends implement [Store]; cluster/k8s uses Pod
// annotations and a coordination/v1 Lease; cluster/redis uses Redis keys.
package cluster
