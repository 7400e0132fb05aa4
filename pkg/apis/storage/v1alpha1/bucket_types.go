package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// BucketFinalizer guards external cleanup of a Bucket.
const BucketFinalizer = "storage.kreconcile.io/finalizer"

// BucketSpec defines the desired state of Bucket
type BucketSpec struct {
	// Region is where the bucket is provisioned.
	// +kubebuilder:validation:Required
	Region string `json:"region" yaml:"region"`

	// StorageClass selects the durability tier.
	// +kubebuilder:default=standard
	// +kubebuilder:validation:Enum=standard;infrequent;archive
	StorageClass string `json:"storageClass,omitempty" yaml:"storageClass,omitempty"`

	// Versioning enables object versioning on the bucket.
	Versioning bool `json:"versioning,omitempty" yaml:"versioning,omitempty"`
}

// BucketStatus defines the observed state of Bucket
type BucketStatus struct {
	// ObservedGeneration is the last generation that was fully reconciled.
	ObservedGeneration int64 `json:"observedGeneration,omitempty" yaml:"observedGeneration,omitempty"`

	// Conditions represent the latest available observations of the Bucket.
	Conditions []metav1.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// OperationID is the handle of the external operation in flight, if any.
	OperationID string `json:"operationID,omitempty" yaml:"operationID,omitempty"`

	// ExternalID identifies the bucket in the external system once provisioned.
	ExternalID string `json:"externalID,omitempty" yaml:"externalID,omitempty"`

	// Endpoint is the address clients use to reach the bucket.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Region",type="string",JSONPath=".spec.region"
// +kubebuilder:printcolumn:name="Ready",type="string",JSONPath=".status.conditions[?(@.type==\"Ready\")].status"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// Bucket is the Schema for the buckets API
type Bucket struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   BucketSpec   `json:"spec,omitempty"`
	Status BucketStatus `json:"status,omitempty"`
}

// GetConditions returns the status conditions of the object.
func (in *Bucket) GetConditions() []metav1.Condition {
	return in.Status.Conditions
}

// SetConditions sets the status conditions on the object.
func (in *Bucket) SetConditions(conditions []metav1.Condition) {
	in.Status.Conditions = conditions
}

// GetObservedGeneration returns the last fully reconciled generation.
func (in *Bucket) GetObservedGeneration() int64 {
	return in.Status.ObservedGeneration
}

// SetObservedGeneration records the last fully reconciled generation.
func (in *Bucket) SetObservedGeneration(generation int64) {
	in.Status.ObservedGeneration = generation
}

// +kubebuilder:object:root=true

// BucketList contains a list of Bucket
type BucketList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Bucket `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Bucket{}, &BucketList{})
}
