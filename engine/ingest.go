package engine

import (
	"context"
	"fmt"
	"log/slog"

	nucleus "github.com/expertping/idex.nucleus"
	"github.com/expertping/idex.nucleus/action"
)

// Metadata is what the external metadata ingestor harvests from a
// handler source tree. The engine stores the records verbatim.
type Metadata struct {
	Actions     []*action.Configuration
	Extendables []*action.ExtendableConfiguration
	Resources   []*action.ResourceStructure
}

// MetadataIngestor produces configuration records from a directory of
// handler sources. Implementations are external collaborators, such
// as a build-time code generator output loader.
type MetadataIngestor interface {
	Ingest(ctx context.Context, directory string) (*Metadata, error)
}

// Autodiscover runs the metadata ingestor against the directory and
// stores everything it produces.
func (e *Engine) Autodiscover(ctx context.Context, directory string) error {
	if err := e.ready(ctx); err != nil {
		return err
	}
	return e.autodiscover(ctx, directory)
}

func (e *Engine) autodiscover(ctx context.Context, directory string) error {
	if e.ingestor == nil {
		return fmt.Errorf("%w: no metadata ingestor configured", nucleus.ErrUndefinedContext)
	}

	md, err := e.ingestor.Ingest(ctx, directory)
	if err != nil {
		return fmt.Errorf("nucleus/engine: autodiscover %q: %w", directory, err)
	}

	if err := e.store.StoreActionConfigurations(ctx, md.Actions); err != nil {
		return err
	}
	if err := e.store.StoreExtendableActionConfigurations(ctx, md.Extendables); err != nil {
		return err
	}
	if err := e.store.StoreResourceStructures(ctx, md.Resources); err != nil {
		return err
	}

	e.logger.Info("autodiscovery stored harvested metadata",
		slog.String("directory", directory),
		slog.Int("actions", len(md.Actions)),
		slog.Int("extendables", len(md.Extendables)),
		slog.Int("resources", len(md.Resources)),
	)
	return nil
}
