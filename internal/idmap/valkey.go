package idmap

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/valkey-io/valkey-go"

	"github.com/JonMunkholm/erpseed/internal/core"
)

const defaultValkeyPrefix = "erpseed:idmap:"

// ValkeyStore keeps one hash per kind (natural key -> remote id) plus a set of
// the kinds written so far.
type ValkeyStore struct {
	client valkey.Client
	prefix string
}

// OpenValkey connects to addr.
func OpenValkey(ctx context.Context, addr, password, prefix string) (*ValkeyStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
		Password:    password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Valkey client: %w", err)
	}

	pingCmd := client.B().Ping().Build()
	if err := client.Do(ctx, pingCmd).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Valkey: %w", err)
	}

	return NewValkeyStore(client, prefix), nil
}

// NewValkeyStore wraps an existing client. Keys are the prefix, a colon and
// the kind; a missing trailing colon is added.
func NewValkeyStore(client valkey.Client, prefix string) *ValkeyStore {
	if prefix == "" {
		prefix = defaultValkeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &ValkeyStore{client: client, prefix: prefix}
}

func (s *ValkeyStore) hashKey(kind core.Kind) string {
	return s.prefix + string(kind)
}

func (s *ValkeyStore) kindsKey() string {
	return s.prefix + "kinds"
}

func (s *ValkeyStore) Get(ctx context.Context, kind core.Kind, key string) (int64, bool, error) {
	cmd := s.client.B().Hget().Key(s.hashKey(kind)).Field(key).Build()
	id, err := s.client.Do(ctx, cmd).AsInt64()
	if valkey.IsValkeyNil(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get mapping %s: %w", core.RecordKey(kind, key), err)
	}
	return id, true, nil
}

func (s *ValkeyStore) Put(ctx context.Context, kind core.Kind, key string, id int64) error {
	if err := validatePut(kind, key, id); err != nil {
		return err
	}

	cmds := valkey.Commands{
		s.client.B().Hset().Key(s.hashKey(kind)).FieldValue().FieldValue(key, strconv.FormatInt(id, 10)).Build(),
		s.client.B().Sadd().Key(s.kindsKey()).Member(string(kind)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("put mapping %s: %w", core.RecordKey(kind, key), err)
		}
	}
	return nil
}

func (s *ValkeyStore) Count(ctx context.Context, kind core.Kind) (int, error) {
	cmd := s.client.B().Hlen().Key(s.hashKey(kind)).Build()
	n, err := s.client.Do(ctx, cmd).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("count mappings for %s: %w", kind, err)
	}
	return int(n), nil
}

func (s *ValkeyStore) Clear(ctx context.Context) error {
	kinds, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.kindsKey()).Build()).AsStrSlice()
	if err != nil {
		return fmt.Errorf("list mapped kinds: %w", err)
	}

	keys := make([]string, 0, len(kinds)+1)
	for _, k := range kinds {
		keys = append(keys, s.hashKey(core.Kind(k)))
	}
	keys = append(keys, s.kindsKey())

	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("clear mappings: %w", err)
	}
	return nil
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
