// Package directory resolves device external ids to platform-internal
// source ids. The pipeline consults it once per expansion branch, so the
// redis and TTL-cache decorators matter under fan-out load.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
)

// Lookup resolves and registers device identities. Implementations must
// return ErrExternalIDNotFound for unknown identities so callers can
// distinguish "unknown device" from "directory unreachable".
type Lookup interface {
	ResolveExternalID(ctx context.Context, tenant, idType, externalID string) (string, error)
	// ResolveSourceID is the reverse direction, used by outbound enrichment
	// to attach the device's external id to platform messages.
	ResolveSourceID(ctx context.Context, tenant, idType, sourceID string) (string, error)
	RegisterDevice(ctx context.Context, tenant, idType, externalID string, payload map[string]any) (string, error)
}

func identityKey(tenant, idType, externalID string) string {
	return fmt.Sprintf("%s/%s/%s", tenant, idType, externalID)
}

func sourceKey(tenant, idType, sourceID string) string {
	return fmt.Sprintf("%s/%s/source/%s", tenant, idType, sourceID)
}

// InMemoryDirectory is a Lookup backed by a process-local identity table.
// Used in tests and standalone deployments without a platform directory.
type InMemoryDirectory struct {
	mu         sync.RWMutex
	identities map[string]string
	sources    map[string]string
}

// NewInMemoryDirectory creates an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		identities: make(map[string]string),
		sources:    make(map[string]string),
	}
}

// Register seeds an identity, e.g. from a bulk import.
func (d *InMemoryDirectory) Register(tenant, idType, externalID, sourceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.identities[identityKey(tenant, idType, externalID)] = sourceID
	d.sources[sourceKey(tenant, idType, sourceID)] = externalID
}

// ResolveExternalID implements Lookup
func (d *InMemoryDirectory) ResolveExternalID(_ context.Context, tenant, idType, externalID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sourceID, ok := d.identities[identityKey(tenant, idType, externalID)]
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrExternalIDNotFound, externalID)
	}
	return sourceID, nil
}

// ResolveSourceID implements Lookup
func (d *InMemoryDirectory) ResolveSourceID(_ context.Context, tenant, idType, sourceID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	externalID, ok := d.sources[sourceKey(tenant, idType, sourceID)]
	if !ok {
		return "", fmt.Errorf("%w: source %s", errors.ErrExternalIDNotFound, sourceID)
	}
	return externalID, nil
}

// RegisterDevice implements Lookup, minting a new source id.
func (d *InMemoryDirectory) RegisterDevice(_ context.Context, tenant, idType, externalID string, _ map[string]any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := identityKey(tenant, idType, externalID)
	if sourceID, ok := d.identities[key]; ok {
		return sourceID, nil
	}
	sourceID := uuid.NewString()
	d.identities[key] = sourceID
	d.sources[sourceKey(tenant, idType, sourceID)] = externalID
	return sourceID, nil
}
