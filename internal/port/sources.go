package port

import (
	"context"

	"task2vec/internal/domain"
)

// ItemSource yields the (key, text) work set handed to the embedding pipeline.
type ItemSource interface {
	Items(root string) ([]domain.Item, error)
}

// MetadataSource loads the display metadata attached to index entries.
type MetadataSource interface {
	Load(ctx context.Context) (map[string]domain.Metadata, error)
}

// LabelSource loads the historical outcome side table.
type LabelSource interface {
	LoadLabels() (*domain.LabelTable, error)
}
