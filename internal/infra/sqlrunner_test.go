package infra

import (
	"fmt"
	"io/fs"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
)

func TestExtractMarker(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		marker  string
		body    string
		wantErr bool
	}{
		{
			name:   "valid",
			query:  "\n--sql 8a8e0d52-7f5d-4f21-8b7d-f7d4b821eed7\nselect 1;\n",
			marker: "8a8e0d52-7f5d-4f21-8b7d-f7d4b821eed7",
			body:   "select 1;",
		},
		{name: "missing marker", query: "select 1;", wantErr: true},
		{name: "uppercase uuid", query: "--sql 8A8E0D52-7F5D-4F21-8B7D-F7D4B821EED7\nselect 1;", wantErr: true},
		{name: "empty", query: "   ", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			marker, body, err := extractMarker(tc.query)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("extractMarker: %v", err)
			}
			if marker != tc.marker || strings.TrimSpace(body) != tc.body {
				t.Fatalf("got (%q, %q)", marker, body)
			}
		})
	}
}

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(fmt.Errorf("wrapped: %w", pgx.ErrNoRows)) {
		t.Fatal("wrapped ErrNoRows not detected")
	}
	if IsNoRows(fmt.Errorf("other")) {
		t.Fatal("unexpected match")
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	if len(entries) < 3 {
		t.Fatalf("expected at least 3 migrations, got %d", len(entries))
	}
	for _, e := range entries {
		data, err := fs.ReadFile(migrationFS, "migrations/"+e.Name())
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if !strings.Contains(string(data), "-- +goose Up") || !strings.Contains(string(data), "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", e.Name())
		}
	}
}
