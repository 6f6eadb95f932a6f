package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/config"
	"github.com/Cumulocity-IoT/cumulocity-dynamic-mapper-sub003/errors"
)

// NATSStore persists script state in a JetStream KV bucket. Writes are
// last-writer-wins Puts; script state has a single writer per mapping so
// CAS buys nothing here.
type NATSStore struct {
	bucket  jetstream.KeyValue
	timeout time.Duration
	logger  *slog.Logger
}

// NATSStoreOption tunes a NATSStore.
type NATSStoreOption func(*NATSStore)

// WithTimeout bounds each KV operation. Default 5s.
func WithTimeout(timeout time.Duration) NATSStoreOption {
	return func(s *NATSStore) { s.timeout = timeout }
}

// NewNATSStore wraps an existing KV bucket.
func NewNATSStore(bucket jetstream.KeyValue, logger *slog.Logger, opts ...NATSStoreOption) *NATSStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &NATSStore{
		bucket:  bucket,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "statestore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials NATS with the configured options and ensures the state
// bucket exists, creating it on first use.
func Connect(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, *NATSStore, error) {
	if len(cfg.URLs) == 0 {
		return nil, nil, errors.WrapInvalid(errors.ErrMissingConfig, "statestore", "Connect", "no NATS urls configured")
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.RetryOnFailedConnect(true),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(joinURLs(cfg.URLs), opts...)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, "statestore", "Connect", "NATS connection failed")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, nil, errors.WrapFatal(err, "statestore", "Connect", "jetstream context failed")
	}

	bucket, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.StateBucket,
		Description: "per-mapping script state",
		History:     1,
	})
	if err != nil {
		conn.Close()
		return nil, nil, errors.WrapFatal(err, "statestore", "Connect",
			fmt.Sprintf("bucket %s", cfg.StateBucket))
	}
	return conn, NewNATSStore(bucket, logger), nil
}

// Load implements Store
func (s *NATSStore) Load(ctx context.Context, tenant, mappingID string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry, err := s.bucket.Get(ctx, stateKey(tenant, mappingID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrStateNotFound
		}
		return nil, errors.WrapTransient(
			fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err),
			"NATSStore", "Load", stateKey(tenant, mappingID))
	}

	var state map[string]any
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, errors.WrapInvalid(err, "NATSStore", "Load", "stored state does not parse")
	}
	return state, nil
}

// Save implements Store
func (s *NATSStore) Save(ctx context.Context, tenant, mappingID string, state map[string]any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.WrapInvalid(err, "NATSStore", "Save", "state is not serializable")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	key := stateKey(tenant, mappingID)
	rev, err := s.bucket.Put(ctx, key, data)
	if err != nil {
		return errors.WrapTransient(err, "NATSStore", "Save", key)
	}
	s.logger.Debug("state saved", "key", key, "revision", rev, "bytes", len(data))
	return nil
}

// Delete implements Store
func (s *NATSStore) Delete(ctx context.Context, tenant, mappingID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.bucket.Delete(ctx, stateKey(tenant, mappingID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "NATSStore", "Delete", stateKey(tenant, mappingID))
	}
	return nil
}

func joinURLs(urls []string) string {
	joined := urls[0]
	for _, u := range urls[1:] {
		joined += "," + u
	}
	return joined
}
