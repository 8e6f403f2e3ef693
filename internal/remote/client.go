package remote

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/erpseed/internal/core"
)

// Client is the business-level view of the remote system used by the
// orchestrator.
type Client interface {
	// FindByKey looks up an existing record of kind by natural key.
	FindByKey(ctx context.Context, kind core.Kind, key string) (id int64, found bool, err error)
	// Create writes a new record and returns its remote id.
	Create(ctx context.Context, kind core.Kind, payload map[string]any) (int64, error)
}

// RemoteClient implements Client on top of a ConnectionManager. Every call
// goes through ConnectionManager.Execute.
type RemoteClient struct {
	manager   *ConnectionManager
	transport Transport
	registry  *core.Registry
}

// NewClient returns a Client that resolves kinds through registry.
func NewClient(manager *ConnectionManager, registry *core.Registry) *RemoteClient {
	return &RemoteClient{
		manager:   manager,
		transport: manager.transport,
		registry:  registry,
	}
}

func (c *RemoteClient) FindByKey(ctx context.Context, kind core.Kind, key string) (int64, bool, error) {
	def, err := c.definition("search", kind)
	if err != nil {
		return 0, false, err
	}

	var (
		id    int64
		found bool
	)
	err = c.manager.Execute(ctx, "find_by_key", func(ctx context.Context, sess Session) error {
		var err error
		id, found, err = c.transport.Search(ctx, sess, def.Model, def.KeyField, key)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

func (c *RemoteClient) Create(ctx context.Context, kind core.Kind, payload map[string]any) (int64, error) {
	def, err := c.definition("create", kind)
	if err != nil {
		return 0, err
	}

	var id int64
	err = c.manager.Execute(ctx, "create", func(ctx context.Context, sess Session) error {
		var err error
		id, err = c.transport.Create(ctx, sess, def.Model, payload)
		return err
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (c *RemoteClient) definition(op string, kind core.Kind) (core.EntityDefinition, error) {
	def, ok := c.registry.Get(kind)
	if !ok {
		return core.EntityDefinition{}, NewError(op, ErrValidation, fmt.Sprintf("no entity registered for kind %q", kind))
	}
	return def, nil
}
