package realtime

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuiltinPresets(t *testing.T) {
	presets := BuiltinPresets("")
	if got := presets.Names(); strings.Join(got, ",") != "companion,default" {
		t.Fatalf("Names() = %v, want [companion default]", got)
	}
	def, ok := presets.Lookup("  ")
	if !ok || def.Name != DefaultPresetName {
		t.Fatalf("Lookup(blank) = %+v, %v; want default preset", def, ok)
	}
	if def.Session.Voice != "alloy" {
		t.Fatalf("default voice = %q, want alloy fallback", def.Session.Voice)
	}
	if def.Greeting == "" {
		t.Fatalf("default preset has no greeting")
	}
	for _, name := range presets.Names() {
		p, _ := presets.Lookup(name)
		if err := p.Session.Validate(); err != nil {
			t.Fatalf("builtin preset %q invalid: %v", name, err)
		}
	}
	if _, ok := presets.Lookup("missing"); ok {
		t.Fatalf("Lookup(missing) ok = true")
	}
}

func TestLoadPresetsMergesFileOverBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	content := `presets:
  support:
    greeting: "Introduce yourself as the support line."
    session:
      voice: ash
      temperature: 0.7
      turn_detection:
        type: server_vad
        threshold: 0.6
        silence_duration_ms: 800
  default:
    greeting: ""
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	builtins := BuiltinPresets("alloy")
	presets, err := LoadPresets(path, builtins)
	if err != nil {
		t.Fatalf("LoadPresets() error = %v", err)
	}

	support, ok := presets.Lookup("support")
	if !ok {
		t.Fatalf("support preset missing")
	}
	if support.Name != "support" || support.Session.Voice != "ash" || support.Session.Temperature != 0.7 {
		t.Fatalf("support preset = %+v", support)
	}
	if support.Session.InputAudioFormat != "pcm16" || support.Session.MaxResponseOutputTokens != 4096 {
		t.Fatalf("support preset did not inherit defaults: %+v", support.Session)
	}
	if support.Session.TurnDetection.SilenceDurationMS != 800 {
		t.Fatalf("silence = %d, want 800", support.Session.TurnDetection.SilenceDurationMS)
	}

	def, _ := presets.Lookup(DefaultPresetName)
	if def.Greeting != "" {
		t.Fatalf("file override should disable default greeting, got %q", def.Greeting)
	}
	if _, ok := presets.Lookup("companion"); !ok {
		t.Fatalf("companion builtin dropped by merge")
	}
	if orig, _ := builtins.Lookup(DefaultPresetName); orig.Greeting == "" {
		t.Fatalf("LoadPresets mutated builtins")
	}
}

func TestLoadPresetsRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	if err := os.WriteFile(path, []byte("presets:\n  loud:\n    session:\n      temperature: 3.5\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := LoadPresets(path, BuiltinPresets("alloy")); err == nil {
		t.Fatalf("LoadPresets() error = nil, want validation failure")
	}
	if _, err := LoadPresets(filepath.Join(t.TempDir(), "missing.yaml"), BuiltinPresets("alloy")); err == nil {
		t.Fatalf("LoadPresets(missing) error = nil, want read failure")
	}
}

func TestLoadPresetsWithoutFile(t *testing.T) {
	presets, err := LoadPresets("", BuiltinPresets("alloy"))
	if err != nil {
		t.Fatalf("LoadPresets() error = %v", err)
	}
	if len(presets) != 2 {
		t.Fatalf("len(presets) = %d, want 2", len(presets))
	}
}
