package core

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.csv")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadSource_HeaderNormalization(t *testing.T) {
	path := writeFile(t, []byte(" SKU , Name ,PRICE\nW-1,Widget,9.99\n"))

	src, err := readSource(path, 0)
	if err != nil {
		t.Fatalf("readSource() error = %v", err)
	}
	if src.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", src.Len())
	}

	row := src.Row(0)
	if row.Get("sku") != "W-1" || row.Get("name") != "Widget" || row.Get("price") != "9.99" {
		t.Errorf("row = %q %q %q, headers not normalized", row.Get("sku"), row.Get("name"), row.Get("price"))
	}
	if row.Get("nonexistent") != "" {
		t.Error("unknown column should read as empty")
	}
}

func TestReadSource_BOMSkipped(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, []byte("sku,name\nW-1,Widget\n")...)
	path := writeFile(t, data)

	src, err := readSource(path, 0)
	if err != nil {
		t.Fatalf("readSource() error = %v", err)
	}
	if src.Row(0).Get("sku") != "W-1" {
		t.Error("BOM should not corrupt the first header")
	}
}

func TestReadSource_MissingColumns(t *testing.T) {
	path := writeFile(t, []byte("price,category\n9.99,Tools\n"))

	_, err := readSource(path, 0)
	if err == nil {
		t.Fatal("readSource() expected error")
	}
	want := "missing required columns: sku, name"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestReadSource_RaggedRows(t *testing.T) {
	path := writeFile(t, []byte("sku,name,price\nW-1,Widget\nW-2,Gadget,1.50,extra\n"))

	src, err := readSource(path, 0)
	if err != nil {
		t.Fatalf("readSource() error = %v", err)
	}
	if src.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", src.Len())
	}
	if src.Row(0).Get("price") != "" {
		t.Error("short row should read missing cells as empty")
	}
	if src.Row(1).Get("price") != "1.50" {
		t.Error("long row should still resolve by header position")
	}
}

func TestReadSource_SizeLimit(t *testing.T) {
	path := writeFile(t, []byte("sku,name\nW-1,Widget\n"))

	if _, err := readSource(path, 4); err == nil {
		t.Fatal("readSource() expected error for oversize file")
	}
	if _, err := readSource(path, 1<<20); err != nil {
		t.Fatalf("readSource() under the limit error = %v", err)
	}
}

func TestReadSource_NoFile(t *testing.T) {
	if _, err := readSource(filepath.Join(t.TempDir(), "gone.csv"), 0); err == nil {
		t.Fatal("readSource() expected error for missing file")
	}
}
