package assets

import (
	"context"
	"fmt"

	"github.com/normanking/cortexpuppet/internal/puppet"
	"github.com/rs/zerolog"
)

// Source lists the descriptors a host may load.
type Source interface {
	List(ctx context.Context) ([]puppet.Descriptor, error)
}

// Catalog asks Primary first and falls back to Secondary when it fails or
// returns nothing. Either may be nil.
type Catalog struct {
	Primary   Source
	Secondary Source
	Logger    zerolog.Logger
}

func (c *Catalog) List(ctx context.Context) ([]puppet.Descriptor, error) {
	var primaryErr error
	if c.Primary != nil {
		models, err := c.Primary.List(ctx)
		if err == nil && len(models) > 0 {
			return models, nil
		}
		primaryErr = err
		if err != nil {
			c.Logger.Warn().Err(err).Msg("Model scan failed, using fallback list")
		}
	}
	if c.Secondary == nil {
		if primaryErr != nil {
			return nil, primaryErr
		}
		return nil, nil
	}
	return c.Secondary.List(ctx)
}

// Lookup finds id in the catalog.
func (c *Catalog) Lookup(ctx context.Context, id string) (puppet.Descriptor, error) {
	models, err := c.List(ctx)
	if err != nil {
		return puppet.Descriptor{}, err
	}
	for _, d := range models {
		if d.ID == id {
			return d, nil
		}
	}
	return puppet.Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownModel, id)
}
