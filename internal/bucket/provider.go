package bucket

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/types"

	"kreconcile/internal/reconciler"
	"kreconcile/pkg/logging"
)

// DefaultEndpointFormat renders a bucket endpoint from its name.
const DefaultEndpointFormat = "https://%s.storage.local"

// ProviderOptions configures a SimulatedProvider.
type ProviderOptions struct {
	// PendingPolls is how many Ensure calls an operation stays pending.
	PendingPolls int
	// EndpointFormat renders endpoints; %s is the bucket name.
	EndpointFormat string
}

// ProvisionedBucket is a bucket that exists in the simulated provider.
type ProvisionedBucket struct {
	ExternalID string
	Key        types.NamespacedName
	Endpoint   string
	Properties map[string]string
}

type operation struct {
	id         string
	uid        types.UID
	key        types.NamespacedName
	externalID string
	properties map[string]string
	polls      int
}

// SimulatedProvider is an in-process bucket provider whose operations
// complete after a fixed number of polls. It stands in for a cloud API.
type SimulatedProvider struct {
	pendingPolls   int
	endpointFormat string

	mu         sync.Mutex
	operations map[string]*operation
	inFlight   map[types.UID]string
	owned      map[types.UID]string
	buckets    map[string]ProvisionedBucket
	failures   map[types.NamespacedName]error
	releaseErr map[types.NamespacedName]error
}

var _ reconciler.External = &SimulatedProvider{}

// NewSimulatedProvider returns an empty provider.
func NewSimulatedProvider(opts ProviderOptions) *SimulatedProvider {
	if opts.EndpointFormat == "" {
		opts.EndpointFormat = DefaultEndpointFormat
	}
	if opts.PendingPolls < 0 {
		opts.PendingPolls = 0
	}
	return &SimulatedProvider{
		pendingPolls:   opts.PendingPolls,
		endpointFormat: opts.EndpointFormat,
		operations:     make(map[string]*operation),
		inFlight:       make(map[types.UID]string),
		owned:          make(map[types.UID]string),
		buckets:        make(map[string]ProvisionedBucket),
		failures:       make(map[types.NamespacedName]error),
		releaseErr:     make(map[types.NamespacedName]error),
	}
}

// Ensure implements reconciler.External. An unknown OperationID, for
// example after a provider restart, starts a new operation.
func (p *SimulatedProvider) Ensure(ctx context.Context, req reconciler.ExternalRequest) (reconciler.ExternalResult, error) {
	if err := ctx.Err(); err != nil {
		return reconciler.ExternalResult{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.failures[req.Key]; err != nil {
		return reconciler.ExternalResult{}, err
	}

	// A lost status write must not provision a second bucket.
	externalID := req.ExternalID
	if externalID == "" {
		externalID = p.owned[req.UID]
	}

	op := p.lookupLocked(req)
	if op == nil {
		if b, ok := p.buckets[externalID]; ok && maps.Equal(b.Properties, req.Properties) {
			return p.completed(b), nil
		}
		op = &operation{
			id:         uuid.NewString(),
			uid:        req.UID,
			key:        req.Key,
			externalID: externalID,
		}
		if op.externalID == "" {
			op.externalID = "bkt-" + uuid.NewString()
		}
		p.operations[op.id] = op
		p.inFlight[req.UID] = op.id
		logging.Info("Provider", "Started operation %s for bucket %s", op.id, req.Key)
	}
	op.properties = maps.Clone(req.Properties)
	op.polls++

	if op.polls <= p.pendingPolls {
		return reconciler.ExternalResult{
			Pending:     true,
			OperationID: op.id,
			Message:     fmt.Sprintf("provisioning bucket %s (%d/%d)", req.Key.Name, op.polls, p.pendingPolls),
		}, nil
	}

	b := ProvisionedBucket{
		ExternalID: op.externalID,
		Key:        op.key,
		Endpoint:   fmt.Sprintf(p.endpointFormat, op.key.Name),
		Properties: op.properties,
	}
	p.buckets[b.ExternalID] = b
	p.owned[op.uid] = b.ExternalID
	delete(p.operations, op.id)
	delete(p.inFlight, op.uid)
	logging.Info("Provider", "Operation %s completed, bucket %s is %s", op.id, req.Key, b.ExternalID)
	return p.completed(b), nil
}

func (p *SimulatedProvider) lookupLocked(req reconciler.ExternalRequest) *operation {
	if req.OperationID != "" {
		if op, ok := p.operations[req.OperationID]; ok {
			return op
		}
	}
	if id, ok := p.inFlight[req.UID]; ok {
		return p.operations[id]
	}
	return nil
}

func (p *SimulatedProvider) completed(b ProvisionedBucket) reconciler.ExternalResult {
	return reconciler.ExternalResult{
		ExternalID: b.ExternalID,
		Properties: map[string]string{"endpoint": b.Endpoint},
		Message:    "bucket is provisioned",
	}
}

// Release implements reconciler.External. Releasing an unknown bucket
// succeeds.
func (p *SimulatedProvider) Release(ctx context.Context, req reconciler.ExternalRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.releaseErr[req.Key]; err != nil {
		return err
	}
	if id, ok := p.inFlight[req.UID]; ok {
		delete(p.operations, id)
		delete(p.inFlight, req.UID)
	}
	externalID := req.ExternalID
	if externalID == "" {
		externalID = p.owned[req.UID]
	}
	delete(p.owned, req.UID)
	if _, ok := p.buckets[externalID]; ok {
		delete(p.buckets, externalID)
		logging.Info("Provider", "Released bucket %s (%s)", req.Key, externalID)
	}
	return nil
}

// FailEnsure makes Ensure fail for key until cleared with a nil error.
func (p *SimulatedProvider) FailEnsure(key types.NamespacedName, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, key)
		return
	}
	p.failures[key] = err
}

// FailRelease makes Release fail for key until cleared with a nil error.
func (p *SimulatedProvider) FailRelease(key types.NamespacedName, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.releaseErr, key)
		return
	}
	p.releaseErr[key] = err
}

// Buckets returns the provisioned buckets ordered by key.
func (p *SimulatedProvider) Buckets() []ProvisionedBucket {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ProvisionedBucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		b.Properties = maps.Clone(b.Properties)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// PendingOperations returns the number of operations in flight.
func (p *SimulatedProvider) PendingOperations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.operations)
}
