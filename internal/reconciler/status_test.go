package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"kreconcile/pkg/apis/storage/v1alpha1"
)

type countingStatusMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *countingStatusMetrics) ObserveStatusWrite(_ string, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[result]++
}

func (m *countingStatusMetrics) count(result string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[result]
}

func readyTrue(generation int64) metav1.Condition {
	return metav1.Condition{
		Type:               ConditionReady,
		Status:             metav1.ConditionTrue,
		Reason:             ReasonSucceeded,
		Message:            "reconciled",
		ObservedGeneration: generation,
	}
}

func TestStatusReporterSkipsUnchangedStatus(t *testing.T) {
	h := newHarness(t)
	metrics := &countingStatusMetrics{}
	r := NewStatusReporter(h.store, h.buckets.Cache(), retry.DefaultBackoff, metrics)
	h.createBucket(t, "photos")

	cached, err := h.buckets.Cache().Get(key("photos"))
	require.NoError(t, err)
	b := cached.(*v1alpha1.Bucket)

	require.NoError(t, r.ApplyStatus(context.Background(), b, []metav1.Condition{readyTrue(b.Generation)}, b.Generation))
	first := h.getBucket(t, key("photos"))
	assert.True(t, apimeta.IsStatusConditionTrue(first.Status.Conditions, ConditionReady))
	assert.Equal(t, b.Generation, first.Status.ObservedGeneration)
	assert.Equal(t, 1, metrics.count("written"))

	h.settle(t, key("photos"))
	cached, err = h.buckets.Cache().Get(key("photos"))
	require.NoError(t, err)

	require.NoError(t, r.ApplyStatus(context.Background(), cached.(*v1alpha1.Bucket), []metav1.Condition{readyTrue(b.Generation)}, b.Generation))
	second := h.getBucket(t, key("photos"))
	assert.Equal(t, first.ResourceVersion, second.ResourceVersion, "an identical status is not written again")
	assert.Equal(t, 1, metrics.count("unchanged"))
}

func TestStatusReporterRetriesConflictFromCache(t *testing.T) {
	h := newHarness(t)
	r := NewStatusReporter(h.store, h.buckets.Cache(), wait.Backoff{Steps: 5, Duration: 0}, nil)
	stale := h.createBucket(t, "photos")

	// Move the object on so the copy above is stale.
	fresh := h.getBucket(t, key("photos"))
	fresh.Labels = map[string]string{"team": "media"}
	require.NoError(t, h.store.Update(context.Background(), fresh))
	h.settle(t, key("photos"))

	require.NoError(t, r.ApplyStatus(context.Background(), stale, []metav1.Condition{readyTrue(1)}, 0))

	got := h.getBucket(t, key("photos"))
	assert.Equal(t, "media", got.Labels["team"])
	assert.True(t, apimeta.IsStatusConditionTrue(got.Status.Conditions, ConditionReady))
}

func TestStatusReporterMutateSeesLatestCopy(t *testing.T) {
	h := newHarness(t)
	r := NewStatusReporter(h.store, h.buckets.Cache(), wait.Backoff{Steps: 5}, nil)
	stale := h.createBucket(t, "photos")

	fresh := h.getBucket(t, key("photos"))
	fresh.Status.ExternalID = "ext-1"
	require.NoError(t, h.store.UpdateStatus(context.Background(), fresh))
	h.settle(t, key("photos"))

	var seen []string
	err := r.Apply(context.Background(), stale, func(o ObjectWithStatus) {
		b := o.(*v1alpha1.Bucket)
		seen = append(seen, b.Status.ExternalID)
		b.Status.Endpoint = "https://photos.example"
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"", "ext-1"}, seen)
	got := h.getBucket(t, key("photos"))
	assert.Equal(t, "ext-1", got.Status.ExternalID)
	assert.Equal(t, "https://photos.example", got.Status.Endpoint)
}
