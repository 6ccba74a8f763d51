package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	coordinationclient "k8s.io/client-go/kubernetes/typed/coordination/v1"
	coreclient "k8s.io/client-go/kubernetes/typed/core/v1"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/id"
)

// Compile-time check that Provider implements cluster.Store.
var _ cluster.Store = (*Provider)(nil)

const (
	defaultLeaseName        = "choreo-coordinator"
	defaultLabelSelector    = "app.kubernetes.io/component=choreo-node"
	defaultAnnotationPrefix = "choreo.xraph.com/"
)

// Annotation names, relative to the provider's prefix.
const (
	annNodeID      = "node-id"
	annHostname    = "hostname"
	annConcurrency = "concurrency"
	annState       = "state"
	annLastSeen    = "last-seen"
	annCreatedAt   = "created-at"
	annIsLeader    = "is-leader"
	annMetadata    = "metadata"
	annLeaderUntil = "leader-until"
)

var allAnnotations = []string{
	annNodeID, annHostname, annConcurrency, annState, annLastSeen,
	annCreatedAt, annIsLeader, annMetadata, annLeaderUntil,
}

// Provider implements cluster.Store on Kubernetes. Node records live in
// annotations of each node's own Pod; the coordinator role is a
// coordination/v1 Lease.
type Provider struct {
	client           kubernetes.Interface
	namespace        string
	leaseName        string
	labelSelector    string
	annotationPrefix string
	logger           *slog.Logger
}

// New creates a Kubernetes cluster provider.
func New(client kubernetes.Interface, namespace string, opts ...Option) *Provider {
	p := &Provider{
		client:           client,
		namespace:        namespace,
		leaseName:        defaultLeaseName,
		labelSelector:    defaultLabelSelector,
		annotationPrefix: defaultAnnotationPrefix,
		logger:           slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ──────────────────────────────────────────────────
// Node registry (Pod annotations)
// ──────────────────────────────────────────────────

// RegisterNode writes n onto the Pod named n.Hostname.
func (p *Provider) RegisterNode(ctx context.Context, n *cluster.Node) error {
	if _, err := p.pods().Get(ctx, n.Hostname, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("k8s: pod %q not found: %w", n.Hostname, choreo.ErrNodeNotFound)
		}
		return fmt.Errorf("k8s: register node: %w", err)
	}

	set := make(map[string]*string, len(allAnnotations))
	for k, v := range encodeNode(n) {
		set[k] = &v
	}
	if err := p.patchAnnotations(ctx, n.Hostname, set); err != nil {
		return fmt.Errorf("k8s: register node: %w", err)
	}
	return nil
}

// DeregisterNode strips the node annotations from the node's Pod.
func (p *Provider) DeregisterNode(ctx context.Context, nodeID id.NodeID) error {
	pod, err := p.podOf(ctx, nodeID)
	if err != nil {
		return err
	}

	unset := make(map[string]*string, len(allAnnotations))
	for _, k := range allAnnotations {
		unset[k] = nil
	}
	if err := p.patchAnnotations(ctx, pod.Name, unset); err != nil {
		return fmt.Errorf("k8s: deregister node: %w", err)
	}
	return nil
}

// HeartbeatNode stamps the last-seen annotation.
func (p *Provider) HeartbeatNode(ctx context.Context, nodeID id.NodeID) error {
	pod, err := p.podOf(ctx, nodeID)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := p.patchAnnotations(ctx, pod.Name, map[string]*string{annLastSeen: &now}); err != nil {
		return fmt.Errorf("k8s: heartbeat node: %w", err)
	}
	return nil
}

// ListNodes returns every Pod matching the label selector that carries a
// node record. Pods without one are skipped.
func (p *Provider) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	pods, err := p.listPods(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make([]*cluster.Node, 0, len(pods))
	for i := range pods {
		n, err := p.decodeNode(&pods[i])
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ReapDeadNodes returns nodes not seen within threshold.
func (p *Provider) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	nodes, err := p.ListNodes(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Node
	for _, n := range nodes {
		if n.LastSeen.Before(cutoff) {
			dead = append(dead, n)
		}
	}
	return dead, nil
}

// ──────────────────────────────────────────────────
// Leadership (Lease API)
// ──────────────────────────────────────────────────

// AcquireLeadership takes the Lease when it is free, expired or already
// held by nodeID. Losing a write race reports false, not an error.
func (p *Provider) AcquireLeadership(ctx context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	holder := nodeID.String()
	now := metav1.NewMicroTime(time.Now().UTC())
	ttlSec := int32(ttl.Seconds())

	lease, err := p.leases().Get(ctx, p.leaseName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		lease = &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{Name: p.leaseName, Namespace: p.namespace},
			Spec: coordinationv1.LeaseSpec{
				HolderIdentity:       &holder,
				LeaseDurationSeconds: &ttlSec,
				AcquireTime:          &now,
				RenewTime:            &now,
			},
		}
		_, err = p.leases().Create(ctx, lease, metav1.CreateOptions{})
		return p.leaseWritten(err, "create")
	}
	if err != nil {
		return false, fmt.Errorf("k8s: get lease: %w", err)
	}

	current := holderOf(lease)
	if current != "" && current != holder && leaseLive(lease, now.Time) {
		return false, nil
	}

	if current != holder {
		var transitions int32
		if lease.Spec.LeaseTransitions != nil {
			transitions = *lease.Spec.LeaseTransitions
		}
		transitions++
		lease.Spec.LeaseTransitions = &transitions
		lease.Spec.AcquireTime = &now
		p.logger.Info("taking over coordinator lease",
			slog.String("lease", p.leaseName),
			slog.String("node_id", holder),
			slog.String("previous", current),
		)
	}
	lease.Spec.HolderIdentity = &holder
	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.RenewTime = &now

	_, err = p.leases().Update(ctx, lease, metav1.UpdateOptions{})
	return p.leaseWritten(err, "acquire")
}

// RenewLeadership extends the Lease if nodeID still holds it.
func (p *Provider) RenewLeadership(ctx context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	lease, err := p.leases().Get(ctx, p.leaseName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("k8s: get lease: %w", err)
	}
	if holderOf(lease) != nodeID.String() {
		return false, nil
	}

	now := metav1.NewMicroTime(time.Now().UTC())
	ttlSec := int32(ttl.Seconds())
	lease.Spec.LeaseDurationSeconds = &ttlSec
	lease.Spec.RenewTime = &now

	_, err = p.leases().Update(ctx, lease, metav1.UpdateOptions{})
	return p.leaseWritten(err, "renew")
}

// GetLeader returns the holder of a live Lease, or nil. A holder whose Pod
// is gone is returned with only its ID set.
func (p *Provider) GetLeader(ctx context.Context) (*cluster.Node, error) {
	lease, err := p.leases().Get(ctx, p.leaseName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("k8s: get leader lease: %w", err)
	}

	holder := holderOf(lease)
	if holder == "" || !leaseLive(lease, time.Now().UTC()) {
		return nil, nil
	}
	nodeID, err := id.ParseNodeID(holder)
	if err != nil {
		return nil, nil
	}

	leader := &cluster.Node{ID: nodeID}
	if pod, err := p.findPod(ctx, holder); err == nil && pod != nil {
		if n, err := p.decodeNode(pod); err == nil {
			leader = n
		}
	}
	leader.IsLeader = true
	return leader, nil
}

// Coordinator returns a lease coordinator campaigning for this
// provider's Lease as nodeID.
func (p *Provider) Coordinator(nodeID id.NodeID, opts ...cluster.LeaseOption) *cluster.LeaseCoordinator {
	opts = append([]cluster.LeaseOption{cluster.WithLeaseLogger(p.logger)}, opts...)
	return cluster.NewLeaseCoordinator(p, nodeID, opts...)
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func (p *Provider) pods() coreclient.PodInterface { return p.client.CoreV1().Pods(p.namespace) }

func (p *Provider) leases() coordinationclient.LeaseInterface { return p.client.CoordinationV1().Leases(p.namespace) }

// leaseWritten maps the result of a Lease write. Conflicts mean another
// node wrote first.
func (p *Provider) leaseWritten(err error, op string) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case apierrors.IsConflict(err), apierrors.IsAlreadyExists(err):
		return false, nil
	default:
		return false, fmt.Errorf("k8s: %s lease: %w", op, err)
	}
}

// patchAnnotations merge-patches the prefixed annotations of a Pod. A nil
// value removes the annotation.
func (p *Provider) patchAnnotations(ctx context.Context, pod string, values map[string]*string) error {
	ann := make(map[string]*string, len(values))
	for k, v := range values {
		ann[p.annotationPrefix+k] = v
	}
	body, err := json.Marshal(map[string]any{
		"metadata": map[string]any{"annotations": ann},
	})
	if err != nil {
		return err
	}
	_, err = p.pods().Patch(ctx, pod, types.MergePatchType, body, metav1.PatchOptions{})
	return err
}

func (p *Provider) listPods(ctx context.Context) ([]corev1.Pod, error) {
	list, err := p.pods().List(ctx, metav1.ListOptions{LabelSelector: p.labelSelector})
	if err != nil {
		return nil, fmt.Errorf("k8s: list pods: %w", err)
	}
	return list.Items, nil
}

// findPod returns the Pod whose node-id annotation is nodeID, or nil.
func (p *Provider) findPod(ctx context.Context, nodeID string) (*corev1.Pod, error) {
	pods, err := p.listPods(ctx)
	if err != nil {
		return nil, err
	}
	for i := range pods {
		if pods[i].Annotations[p.annotationPrefix+annNodeID] == nodeID {
			return &pods[i], nil
		}
	}
	return nil, nil
}

// podOf is findPod for operations that require a registered node.
func (p *Provider) podOf(ctx context.Context, nodeID id.NodeID) (*corev1.Pod, error) {
	pod, err := p.findPod(ctx, nodeID.String())
	if err != nil {
		return nil, err
	}
	if pod == nil {
		return nil, choreo.ErrNodeNotFound
	}
	return pod, nil
}

// encodeNode renders n as unprefixed annotation values.
func encodeNode(n *cluster.Node) map[string]string {
	a := map[string]string{
		annNodeID:      n.ID.String(),
		annHostname:    n.Hostname,
		annConcurrency: strconv.Itoa(n.Concurrency),
		annState:       string(n.State),
		annLastSeen:    n.LastSeen.Format(time.RFC3339Nano),
		annCreatedAt:   n.CreatedAt.Format(time.RFC3339Nano),
		annIsLeader:    strconv.FormatBool(n.IsLeader),
	}
	if len(n.Metadata) > 0 {
		b, _ := json.Marshal(n.Metadata) //nolint:errcheck // map[string]string always marshals
		a[annMetadata] = string(b)
	}
	if n.LeaderUntil != nil {
		a[annLeaderUntil] = n.LeaderUntil.Format(time.RFC3339Nano)
	}
	return a
}

// decodeNode reads the node record of a Pod. Malformed optional fields
// are left zero.
func (p *Provider) decodeNode(pod *corev1.Pod) (*cluster.Node, error) {
	get := func(k string) string { return pod.Annotations[p.annotationPrefix+k] }

	raw := get(annNodeID)
	if raw == "" {
		return nil, fmt.Errorf("k8s: pod %q has no node record", pod.Name)
	}
	nodeID, err := id.ParseNodeID(raw)
	if err != nil {
		return nil, fmt.Errorf("k8s: pod %q: %w", pod.Name, err)
	}

	n := &cluster.Node{
		ID:       nodeID,
		Hostname: get(annHostname),
		State:    cluster.NodeState(get(annState)),
		IsLeader: get(annIsLeader) == "true",
	}
	n.Concurrency, _ = strconv.Atoi(get(annConcurrency))
	n.LastSeen, _ = time.Parse(time.RFC3339Nano, get(annLastSeen))
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, get(annCreatedAt))

	if m := get(annMetadata); m != "" {
		meta := make(map[string]string)
		if json.Unmarshal([]byte(m), &meta) == nil {
			n.Metadata = meta
		}
	}
	if v := get(annLeaderUntil); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			n.LeaderUntil = &t
		}
	}
	return n, nil
}

func holderOf(lease *coordinationv1.Lease) string {
	if lease.Spec.HolderIdentity == nil {
		return ""
	}
	return *lease.Spec.HolderIdentity
}

// leaseLive reports whether the lease's renew time plus duration is after
// now.
func leaseLive(lease *coordinationv1.Lease, now time.Time) bool {
	if lease.Spec.RenewTime == nil || lease.Spec.LeaseDurationSeconds == nil {
		return false
	}
	dur := time.Duration(*lease.Spec.LeaseDurationSeconds) * time.Second
	return now.Before(lease.Spec.RenewTime.Time.Add(dur))
}
