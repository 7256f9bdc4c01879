package policy

import (
	"strings"
	"testing"
)

func TestRedactSecrets(t *testing.T) {
	input := "auth failed for sk-proj-abcdef123456 with header Authorization: Bearer ek_live_0123456789 and ek_abcdefghijk"
	out, changed := RedactSecrets(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_API_KEY]", "Bearer [REDACTED_TOKEN]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	for _, leaked := range []string{"sk-proj-abcdef123456", "ek_live_0123456789", "ek_abcdefghijk"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("output still contains %q: %q", leaked, out)
		}
	}
}

func TestRedactSecretsLiteral(t *testing.T) {
	out, changed := RedactSecrets("key=custom-credential-value;", "custom-credential-value", "  ")
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if out != "key=[REDACTED_SECRET];" {
		t.Fatalf("out = %q, want literal masked", out)
	}
}

func TestRedactSecretsLeavesPlainText(t *testing.T) {
	in := "Invalid value for 'voice': shimmer2"
	out, changed := RedactSecrets(in)
	if changed || out != in {
		t.Fatalf("RedactSecrets(%q) = %q, %v; want unchanged", in, out, changed)
	}
}
