// Package mappingstore persists mapping definitions in a NATS JetStream KV
// bucket and publishes status snapshots on NATS subjects. It is the default
// MappingRepository and StatusSink wiring of the mapper binary.
package mappingstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/model"
)

const defaultTimeout = 5 * time.Second

// Store keeps one KV entry per mapping, keyed "<tenant>.<identifier>".
// Writes are last-writer-wins; the mapping's LastUpdate stamp lets readers
// detect stale definitions.
type Store struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
	logger  *slog.Logger
}

// NewStore creates or opens the mapping bucket on an existing JetStream
// context.
func NewStore(ctx context.Context, js jetstream.JetStream, bucket string, logger *slog.Logger) (*Store, error) {
	if bucket == "" {
		bucket = "mapper-mappings"
	}
	if logger == nil {
		logger = slog.Default()
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "Tenant mapping definitions",
		History:     10,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "mappingstore", "NewStore", bucket)
	}
	return &Store{
		bucket:  kv,
		timeout: defaultTimeout,
		logger:  logger.With("component", "mappingstore"),
	}, nil
}

// mappingKey builds the KV key for one mapping. Tenant identifiers are
// validated at configuration time to contain no separator characters.
func mappingKey(tenant, identifier string) string {
	return tenant + "." + identifier
}

// LoadMappings returns every mapping stored for the tenant.
func (s *Store) LoadMappings(ctx context.Context, tenant string) ([]*model.Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "mappingstore", "LoadMappings", tenant)
	}

	prefix := tenant + "."
	var mappings []*model.Mapping
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.bucket.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				// Deleted between Keys and Get.
				continue
			}
			return nil, errors.WrapTransient(err, "mappingstore", "LoadMappings", key)
		}
		var mapping model.Mapping
		if err := json.Unmarshal(entry.Value(), &mapping); err != nil {
			s.logger.Error("skipping undecodable mapping", "key", key, "error", err)
			continue
		}
		mappings = append(mappings, &mapping)
	}
	return mappings, nil
}

// SaveMapping validates and stores a mapping definition.
func (s *Store) SaveMapping(ctx context.Context, tenant string, mapping *model.Mapping) error {
	if err := mapping.Validate(); err != nil {
		return err
	}
	mapping.LastUpdate = time.Now().UnixMilli()

	data, err := json.Marshal(mapping)
	if err != nil {
		return errors.WrapFatal(err, "mappingstore", "SaveMapping", mapping.Identifier)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.bucket.Put(ctx, mappingKey(tenant, mapping.Identifier), data); err != nil {
		return errors.WrapTransient(err, "mappingstore", "SaveMapping", mapping.Identifier)
	}
	return nil
}

// UpdateMapping implements the service repository interface; updates share
// the save path.
func (s *Store) UpdateMapping(ctx context.Context, tenant string, mapping *model.Mapping) error {
	return s.SaveMapping(ctx, tenant, mapping)
}

// DeleteMapping removes a mapping definition. Unknown identifiers are a
// no-op.
func (s *Store) DeleteMapping(ctx context.Context, tenant, identifier string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.bucket.Delete(ctx, mappingKey(tenant, identifier))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "mappingstore", "DeleteMapping", identifier)
	}
	return nil
}

// StatusConn is the slice of the NATS connection the status publisher needs.
type StatusConn interface {
	Publish(subject string, data []byte) error
}

// StatusPublisher pushes status snapshots to a per-tenant NATS subject, one
// message per flush.
type StatusPublisher struct {
	conn          StatusConn
	subjectPrefix string
	logger        *slog.Logger
}

// NewStatusPublisher creates a publisher. Subjects are
// "<prefix>.<tenant>"; the default prefix is "dynmapper.status".
func NewStatusPublisher(conn StatusConn, subjectPrefix string, logger *slog.Logger) *StatusPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "dynmapper.status"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusPublisher{
		conn:          conn,
		subjectPrefix: subjectPrefix,
		logger:        logger.With("component", "statuspublisher"),
	}
}

// PublishMappingStatus implements the service status sink.
func (p *StatusPublisher) PublishMappingStatus(_ context.Context, tenant string, statuses []model.MappingStatus) error {
	data, err := json.Marshal(statuses)
	if err != nil {
		return errors.WrapFatal(err, "StatusPublisher", "PublishMappingStatus", tenant)
	}
	subject := fmt.Sprintf("%s.%s", p.subjectPrefix, tenant)
	if err := p.conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "StatusPublisher", "PublishMappingStatus", subject)
	}
	return nil
}
