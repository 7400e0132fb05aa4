// Package bucket reconciles storage.kreconcile.io Buckets: each Bucket owns
// a ConfigMap describing it and is provisioned through an External
// provider.
package bucket

import (
	"strconv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"kreconcile/internal/reconciler"
	"kreconcile/pkg/apis/storage/v1alpha1"
)

// Labels set on dependents.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelBucket    = "storage.kreconcile.io/bucket"

	managerName = "kreconcile"
)

// DefaultStorageClass applies when a Bucket leaves spec.storageClass empty.
const DefaultStorageClass = "standard"

// ConfigMapGVK is the kind of a Bucket's dependent.
var ConfigMapGVK = corev1.SchemeGroupVersion.WithKind("ConfigMap")

// Kind implements reconciler.Kind for Buckets.
type Kind struct{}

var _ reconciler.Kind = Kind{}

// GroupVersionKind implements reconciler.Kind.
func (Kind) GroupVersionKind() schema.GroupVersionKind {
	return v1alpha1.BucketGVK
}

// NewObject implements reconciler.Kind.
func (Kind) NewObject() reconciler.ObjectWithStatus {
	return &v1alpha1.Bucket{}
}

// Finalizer implements reconciler.Kind.
func (Kind) Finalizer() string {
	return v1alpha1.BucketFinalizer
}

// DependentKinds implements reconciler.Kind.
func (Kind) DependentKinds() []schema.GroupVersionKind {
	return []schema.GroupVersionKind{ConfigMapGVK}
}

// ConfigMapName is the name of the ConfigMap a Bucket owns.
func ConfigMapName(bucketName string) string {
	return bucketName + "-bucket"
}

// DesiredState implements reconciler.Kind. The ConfigMap mirrors Bucket.Spec
// only, so it converges in the same pass as a spec edit.
func (Kind) DesiredState(obj reconciler.ObjectWithStatus) ([]client.Object, error) {
	b := obj.(*v1alpha1.Bucket)
	return []client.Object{&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ConfigMapName(b.Name),
			Namespace: b.Namespace,
			Labels: map[string]string{
				LabelManagedBy: managerName,
				LabelBucket:    b.Name,
			},
		},
		Data: properties(b),
	}}, nil
}

// ConvertToExternal implements reconciler.Kind.
func (Kind) ConvertToExternal(obj reconciler.ObjectWithStatus) (reconciler.ExternalRequest, bool) {
	b := obj.(*v1alpha1.Bucket)
	return reconciler.ExternalRequest{
		Key:         client.ObjectKeyFromObject(b),
		UID:         b.UID,
		ExternalID:  b.Status.ExternalID,
		OperationID: b.Status.OperationID,
		Properties:  properties(b),
	}, true
}

// ApplyExternalResult implements reconciler.Kind.
func (Kind) ApplyExternalResult(obj reconciler.ObjectWithStatus, result reconciler.ExternalResult) {
	b := obj.(*v1alpha1.Bucket)
	if result.Pending {
		b.Status.OperationID = result.OperationID
		return
	}
	b.Status.OperationID = ""
	if result.ExternalID != "" {
		b.Status.ExternalID = result.ExternalID
	}
	if endpoint, ok := result.Properties["endpoint"]; ok {
		b.Status.Endpoint = endpoint
	}
}

func properties(b *v1alpha1.Bucket) map[string]string {
	class := b.Spec.StorageClass
	if class == "" {
		class = DefaultStorageClass
	}
	return map[string]string{
		"region":       b.Spec.Region,
		"storageClass": class,
		"versioning":   strconv.FormatBool(b.Spec.Versioning),
	}
}
