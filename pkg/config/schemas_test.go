package config

import (
	"strings"
	"testing"
)

func TestSchemaCompiles(t *testing.T) {
	if _, err := NewSchema(); err != nil {
		t.Fatalf("built-in schema failed to compile: %v", err)
	}
}

func TestSchemaValidate(t *testing.T) {
	schema, err := NewSchema()
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	tests := []struct {
		name    string
		doc     map[string]interface{}
		wantErr string
	}{
		{
			name: "empty",
			doc:  map[string]interface{}{},
		},
		{
			name: "valid database section",
			doc: map[string]interface{}{
				"database": map[string]interface{}{
					"path":         "/tmp/x.db",
					"file_mode":    "0600",
					"swap_timeout": "45s",
				},
			},
		},
		{
			name: "unknown top-level key",
			doc: map[string]interface{}{
				"databse": map[string]interface{}{},
			},
			wantErr: "databse",
		},
		{
			name: "bad duration",
			doc: map[string]interface{}{
				"server": map[string]interface{}{"read_timeout": "soon"},
			},
			wantErr: "read_timeout",
		},
		{
			name: "bad file mode",
			doc: map[string]interface{}{
				"database": map[string]interface{}{"file_mode": "0999"},
			},
			wantErr: "file_mode",
		},
		{
			name: "bad log level",
			doc: map[string]interface{}{
				"telemetry": map[string]interface{}{
					"logging": map[string]interface{}{"level": "loud"},
				},
			},
			wantErr: "level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Validate(tt.doc)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaCompileCUE(t *testing.T) {
	schema, err := NewSchema()
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	src := `
database: {
	path:      "/data/stories.db"
	file_mode: "0640"
}
server: max_upload_bytes: 1024 * 1024
`
	val, err := schema.CompileCUE("test.cue", []byte(src))
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}

	limit, err := val.LookupPath(cuePath("server.max_upload_bytes")).Int64()
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if limit != 1<<20 {
		t.Errorf("expected %d, got %d", 1<<20, limit)
	}

	if _, err := schema.CompileCUE("bad.cue", []byte(`database: {`)); err == nil {
		t.Error("expected syntax error")
	}
}
