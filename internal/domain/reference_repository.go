package domain

import "context"

// ReferenceRepository loads reference sequences from storage.
type ReferenceRepository interface {
	Load(ctx context.Context, paths []string) ([]Sequence, error)
}
