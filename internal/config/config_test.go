package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: ":9999"
invoke:
  timeout_seconds: 5
webhooks:
  max_attempts: 3
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":9999" || cfg.Invoke.TimeoutSeconds != 5 || cfg.Webhooks.MaxAttempts != 3 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("unset sections lost their defaults")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Webhooks.MaxAttempts = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}

	cfg = Default()
	cfg.Auth.AllowAnonymous = true
	if err := cfg.Validate(); err == nil {
		t.Fatalf("anonymous mode without a tenant must fail validation")
	}
}
