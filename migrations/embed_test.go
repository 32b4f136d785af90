package migrations

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	if err := Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
}

func TestList(t *testing.T) {
	files, err := List()
	if err != nil {
		t.Fatalf("List() unexpected error: %v", err)
	}

	if len(files) == 0 {
		t.Fatal("List() returned no migration files")
	}

	for _, file := range files {
		if !strings.HasSuffix(file, ".up.sql") && !strings.HasSuffix(file, ".down.sql") {
			t.Errorf("List() returned non-conforming file: %s", file)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		filename      string
		wantSequence  int
		wantName      string
		wantDirection string
		wantErr       bool
	}{
		{"001_init_schema.up.sql", 1, "init_schema", "up", false},
		{"001_init_schema.down.sql", 1, "init_schema", "down", false},
		{"042_add_index.up.sql", 42, "add_index", "up", false},
		{"1_bad.up.sql", 0, "", "", true},
		{"001_bad-name.up.sql", 0, "", "", true},
		{"001_missing_direction.sql", 0, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			info, err := Parse(tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Errorf("Parse(%s) expected error, got nil", tt.filename)
				}

				return
			}

			if err != nil {
				t.Fatalf("Parse(%s) unexpected error: %v", tt.filename, err)
			}

			if info.Sequence != tt.wantSequence {
				t.Errorf("Parse(%s) Sequence = %d, want %d", tt.filename, info.Sequence, tt.wantSequence)
			}

			if info.Name != tt.wantName {
				t.Errorf("Parse(%s) Name = %s, want %s", tt.filename, info.Name, tt.wantName)
			}

			if info.Direction != tt.wantDirection {
				t.Errorf("Parse(%s) Direction = %s, want %s", tt.filename, info.Direction, tt.wantDirection)
			}
		})
	}
}

func TestMaxVersion(t *testing.T) {
	if got := MaxVersion(); got < 1 {
		t.Errorf("MaxVersion() = %d, want >= 1", got)
	}
}
