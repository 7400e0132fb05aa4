// Package v1alpha1 contains API Schema definitions for the storage v1alpha1 API group.
//
// # API Group: storage.kreconcile.io/v1alpha1
//
// ## Bucket
//
// Bucket declares an object storage bucket provisioned in an external system.
// The controller keeps an endpoint ConfigMap named "<bucket>-endpoint" next to
// every Bucket and reports progress through the Ready and Reconciling
// conditions.
//
// Example:
//
//	apiVersion: storage.kreconcile.io/v1alpha1
//	kind: Bucket
//	metadata:
//	  name: assets
//	  namespace: default
//	spec:
//	  region: eu-west-1
//	  storageClass: standard
//	  versioning: true
//
// +kubebuilder:object:generate=true
// +groupName=storage.kreconcile.io
package v1alpha1
