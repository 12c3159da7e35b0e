package core

// record.go parses one CSV row into a validated product record.
//
// Coercion rules are deliberately permissive, matching what bulk product
// feeds actually contain:
//   - price: float, absent on parse failure (never an error)
//   - inventory: integer via a float intermediate ("12.0" is 12),
//     0 on absence or failure
//   - active: true for "true"/"1"/"yes"/"active"/"enabled" (any case),
//     false for any other value including a blank cell, true only when
//     the file has no is_active column at all
//
// A record is only rejected outright when sku or name is missing.

import (
	"errors"
	"strconv"
	"strings"
)

// ErrMissingKeyFields rejects rows without the two required fields.
var ErrMissingKeyFields = errors.New("sku and name are required")

// Record is a normalized product row ready for the upsert engine.
// Inventory and Active are always concrete (they overwrite on update);
// the pointer fields stay nil when absent so updates leave existing
// values untouched.
type Record struct {
	SKU         string
	Name        string
	Description *string
	Price       *float64
	Category    *string
	Brand       *string
	Inventory   int
	Active      bool
}

// Row gives access to one source row by normalized column name.
// Get reads "" for both missing columns and blank cells; Has tells the
// two apart, which matters for the is_active default.
type Row interface {
	Get(column string) string
	Has(column string) bool
}

// ParseRecord validates and coerces one row. The returned error carries
// no row number; the batch coordinator prefixes it.
func ParseRecord(row Row) (*Record, error) {
	sku := strings.TrimSpace(row.Get("sku"))
	name := strings.TrimSpace(row.Get("name"))
	if sku == "" || name == "" {
		return nil, ErrMissingKeyFields
	}

	return &Record{
		SKU:         sku,
		Name:        name,
		Description: optionalString(row.Get("description")),
		Price:       parsePrice(row.Get("price")),
		Category:    optionalString(row.Get("category")),
		Brand:       optionalString(row.Get("brand")),
		Inventory:   parseInventory(row.Get("inventory_count")),
		Active:      parseActive(row),
	}, nil
}

// optionalString trims s and returns nil for blank cells.
func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

// parsePrice returns nil on absence or parse failure.
func parsePrice(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}

// parseInventory parses through a float so "12.0" counts as 12.
// Absence and garbage both default to 0.
func parseInventory(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// activeValues are the inputs treated as true. Any other cell value,
// blank included, is false.
var activeValues = map[string]bool{
	"true":    true,
	"1":       true,
	"yes":     true,
	"active":  true,
	"enabled": true,
}

// parseActive defaults to true only when the column is missing from
// the file entirely. A present-but-blank cell means inactive, so an
// update row with an empty is_active never re-activates a product.
func parseActive(row Row) bool {
	if !row.Has("is_active") {
		return true
	}
	return activeValues[strings.ToLower(strings.TrimSpace(row.Get("is_active")))]
}
