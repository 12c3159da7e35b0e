package core

import (
	"context"
	"errors"
	"time"

	"github.com/prodimport/importer/internal/store"
)

// UpsertRecord applies one normalized record against the catalog.
//
// Lookup is by case-insensitive SKU, so re-running the same input is an
// in-place update rather than a duplicate insert. Existing rows keep
// any field the record leaves absent (nil); inventory and active are
// always concrete in a parsed record and therefore always written.
//
// Returns created=false for a duplicate overwrite.
func UpsertRecord(ctx context.Context, w store.ProductWriter, rec *Record, now time.Time) (created bool, err error) {
	existing, err := w.GetBySKU(ctx, rec.SKU)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}

	if existing == nil {
		p := &store.Product{
			SKU:         rec.SKU,
			Name:        rec.Name,
			Description: rec.Description,
			Price:       rec.Price,
			Category:    rec.Category,
			Brand:       rec.Brand,
			Inventory:   rec.Inventory,
			Active:      rec.Active,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := w.Insert(ctx, p); err != nil {
			return false, err
		}
		return true, nil
	}

	existing.SKU = rec.SKU
	existing.Name = rec.Name
	if rec.Description != nil {
		existing.Description = rec.Description
	}
	if rec.Price != nil {
		existing.Price = rec.Price
	}
	if rec.Category != nil {
		existing.Category = rec.Category
	}
	if rec.Brand != nil {
		existing.Brand = rec.Brand
	}
	existing.Inventory = rec.Inventory
	existing.Active = rec.Active
	existing.UpdatedAt = now

	if err := w.Update(ctx, existing); err != nil {
		return false, err
	}
	return false, nil
}
