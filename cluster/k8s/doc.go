// Package k8s stores the choreo node registry in Kubernetes.
//
// Each engine node annotates its own Pod (Node.Hostname is the Pod name)
// using JSON merge patches, so no read-modify-write races with other
// controllers touching the Pod. The registry is the set of Pods matching a
// label selector. The coordinator role is a coordination/v1 Lease.
//
//	cfg, _ := rest.InClusterConfig()
//	provider := k8s.New(kubernetes.NewForConfigOrDie(cfg), "orchestration")
//	sched := scheduler.New(st,
//		scheduler.WithClusterStore(provider),
//		scheduler.WithCoordinator(provider.Coordinator(nodeID)),
//	)
package k8s
