package credentials

import "testing"

func TestLookupPrefersPrefixedVariable(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-bare")
	t.Setenv("ACP2_OPENAI_API_KEY", "sk-scoped")

	p := NewEnvProvider("ACP2_")
	cred, err := p.Lookup("OPENAI_API_KEY")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if cred.Value != "sk-scoped" {
		t.Errorf("expected prefixed value to win, got %q", cred.Value)
	}
	if cred.Key != "OPENAI_API_KEY" || cred.Source != "environment" {
		t.Errorf("unexpected credential %+v", cred)
	}
}

func TestLookupFallsBackToBareVariable(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "sk-bare")

	cred, err := NewEnvProvider("ACP2_").Lookup("GEMINI_API_KEY")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if cred.Value != "sk-bare" {
		t.Errorf("expected bare value, got %q", cred.Value)
	}
}

func TestLookupMissing(t *testing.T) {
	if _, err := NewEnvProvider("").Lookup("ACP2_TEST_NO_SUCH_KEY"); err == nil {
		t.Fatal("expected error for missing credential")
	}
}

func TestAvailableReportsKnownKeys(t *testing.T) {
	t.Setenv("MISTRAL_API_KEY", "sk-x")

	found := false
	for _, key := range NewEnvProvider("").Available() {
		if key == "MISTRAL_API_KEY" {
			found = true
		}
	}
	if !found {
		t.Error("expected MISTRAL_API_KEY to be reported available")
	}
}
