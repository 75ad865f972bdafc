package config

import (
	"errors"
	"strings"
	"testing"

	perrors "popnet/internal/errors"
)

// TestValidate_ErrorMessages verifies that Validate returns actionable
// error messages with hints.
func TestValidate_ErrorMessages(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantField string
		wantSub   string // substring expected in error
	}{
		{
			name:      "missing working dir has hint",
			cfg:       Config{Location: "lan"},
			wantField: "working-dir",
			wantSub:   "hint:",
		},
		{
			name:      "location names the choices",
			cfg:       Config{WorkingDir: "w", Location: "space"},
			wantField: "location",
			wantSub:   `"lan" or "wan"`,
		},
		{
			name:      "cert pairing",
			cfg:       Config{WorkingDir: "w", Location: "lan", KeyFile: "k.pem"},
			wantField: "cert",
			wantSub:   "--cert and --key must be given together",
		},
		{
			name:      "port value is reported",
			cfg:       Config{WorkingDir: "w", Location: "lan", TCPPort: 99999},
			wantField: "tcp-port",
			wantSub:   "--tcp-port=99999",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *perrors.ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not a ConfigError", err)
			}
			if ce.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ce.Field, tt.wantField)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q should contain %q", err.Error(), tt.wantSub)
			}
		})
	}
}
