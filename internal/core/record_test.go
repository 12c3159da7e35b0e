package core

import (
	"errors"
	"testing"
)

// mapRow backs Row with a plain map for parser tests.
type mapRow map[string]string

func (r mapRow) Get(column string) string { return r[column] }

func (r mapRow) Has(column string) bool {
	_, ok := r[column]
	return ok
}

func TestParseRecord_RequiredFields(t *testing.T) {
	tests := []struct {
		name string
		row  mapRow
	}{
		{"missing sku", mapRow{"name": "Widget"}},
		{"missing name", mapRow{"sku": "W-1"}},
		{"blank sku", mapRow{"sku": "   ", "name": "Widget"}},
		{"blank name", mapRow{"sku": "W-1", "name": "\t"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecord(tt.row)
			if !errors.Is(err, ErrMissingKeyFields) {
				t.Errorf("ParseRecord() error = %v, want ErrMissingKeyFields", err)
			}
		})
	}
}

func TestParseRecord_Price(t *testing.T) {
	tests := []struct {
		in   string
		want *float64
	}{
		{"19.99", f64(19.99)},
		{" 5 ", f64(5)},
		{"", nil},
		{"free", nil},
		{"12,50", nil},
	}

	for _, tt := range tests {
		rec, err := ParseRecord(mapRow{"sku": "A", "name": "B", "price": tt.in})
		if err != nil {
			t.Fatalf("ParseRecord(price=%q) error = %v", tt.in, err)
		}
		switch {
		case tt.want == nil && rec.Price != nil:
			t.Errorf("price %q = %v, want nil", tt.in, *rec.Price)
		case tt.want != nil && (rec.Price == nil || *rec.Price != *tt.want):
			t.Errorf("price %q = %v, want %v", tt.in, rec.Price, *tt.want)
		}
	}
}

func TestParseRecord_Inventory(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"42", 42},
		{"12.0", 12},
		{"12.9", 12},
		{"", 0},
		{"many", 0},
		{"-3", -3},
	}

	for _, tt := range tests {
		rec, err := ParseRecord(mapRow{"sku": "A", "name": "B", "inventory_count": tt.in})
		if err != nil {
			t.Fatalf("ParseRecord(inventory=%q) error = %v", tt.in, err)
		}
		if rec.Inventory != tt.want {
			t.Errorf("inventory %q = %d, want %d", tt.in, rec.Inventory, tt.want)
		}
	}
}

func TestParseRecord_Active(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"Yes", true},
		{"active", true},
		{"Enabled", true},
		{"", false}, // blank cell means inactive
		{"  ", false},
		{"false", false},
		{"0", false},
		{"no", false},
		{"discontinued", false},
	}

	for _, tt := range tests {
		rec, err := ParseRecord(mapRow{"sku": "A", "name": "B", "is_active": tt.in})
		if err != nil {
			t.Fatalf("ParseRecord(is_active=%q) error = %v", tt.in, err)
		}
		if rec.Active != tt.want {
			t.Errorf("is_active %q = %v, want %v", tt.in, rec.Active, tt.want)
		}
	}
}

func TestParseRecord_ActiveColumnAbsent(t *testing.T) {
	// Only a file without the column at all keeps records active.
	rec, err := ParseRecord(mapRow{"sku": "A", "name": "B"})
	if err != nil {
		t.Fatalf("ParseRecord() error = %v", err)
	}
	if !rec.Active {
		t.Error("missing is_active column should default to active")
	}
}

func TestParseRecord_OptionalStrings(t *testing.T) {
	rec, err := ParseRecord(mapRow{
		"sku":         " W-1 ",
		"name":        " Widget ",
		"description": "",
		"category":    " Tools ",
	})
	if err != nil {
		t.Fatalf("ParseRecord() error = %v", err)
	}

	if rec.SKU != "W-1" || rec.Name != "Widget" {
		t.Errorf("key fields not trimmed: sku=%q name=%q", rec.SKU, rec.Name)
	}
	if rec.Description != nil {
		t.Errorf("blank description should be nil, got %q", *rec.Description)
	}
	if rec.Category == nil || *rec.Category != "Tools" {
		t.Errorf("category = %v, want Tools", rec.Category)
	}
	if rec.Brand != nil {
		t.Errorf("absent brand should be nil, got %q", *rec.Brand)
	}
}

func f64(v float64) *float64 { return &v }
