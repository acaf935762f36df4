package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name   string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "default deployment mode is selfhosted",
			check:  func(c *Config) bool { return c.DeploymentMode == "selfhosted" },
			expect: "selfhosted",
		},
		{
			name:   "default host is 0.0.0.0",
			check:  func(c *Config) bool { return c.Host == "0.0.0.0" },
			expect: "0.0.0.0",
		},
		{
			name:   "default port is 8080",
			check:  func(c *Config) bool { return c.Port == 8080 },
			expect: "8080",
		},
		{
			name:   "default log level is info",
			check:  func(c *Config) bool { return c.LogLevel == "info" },
			expect: "info",
		},
		{
			name:   "default log format is json",
			check:  func(c *Config) bool { return c.LogFormat == "json" },
			expect: "json",
		},
		{
			name:   "default logs exporter is none",
			check:  func(c *Config) bool { return c.LogsExporter == "none" },
			expect: "none",
		},
		{
			name:   "default metrics path",
			check:  func(c *Config) bool { return c.MetricsPath == "/metrics" },
			expect: "/metrics",
		},
		{
			name:   "listen addr format",
			check:  func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" },
			expect: "0.0.0.0:8080",
		},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestRuntimeProjection(t *testing.T) {
	env := map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-xxx",
		"EMAIL_PROVIDER":    "resend",
		"RESEND_API_KEY":    "re_xxx",
		"ENCRYPTION_KEYS":   `[{"version":1,"key":"xxx"}]`,
		"DATABASE_URL":      "postgres://x",
		"EMPTY_VAR":         "",
	}

	proj := RuntimeProjection(env, "selfhosted")

	for _, want := range []string{"ANTHROPIC_API_KEY", "RESEND_API_KEY", "ENCRYPTION_KEYS"} {
		if _, ok := proj.SecretNames[want]; !ok {
			t.Errorf("expected %s to be classified secret", want)
		}
	}
	if _, ok := proj.ConfigVars["ANTHROPIC_API_KEY"]; ok {
		t.Error("secret leaked into configVars")
	}
	if _, ok := proj.ConfigVars["DATABASE_URL"]; !ok {
		t.Error("expected DATABASE_URL in configVars")
	}
	if _, ok := proj.ConfigVars["EMPTY_VAR"]; ok {
		t.Error("empty-string values must be filtered from configVars")
	}
}

func TestRuntimeProjectionSelfhostedExtra(t *testing.T) {
	env := map[string]string{"GRAFANA_ADMIN_PASSWORD": "hunter2"}

	cloud := RuntimeProjection(env, "cloud")
	if _, ok := cloud.SecretNames["GRAFANA_ADMIN_PASSWORD"]; ok {
		t.Error("GRAFANA_ADMIN_PASSWORD must only be secret in selfhosted mode")
	}

	selfhosted := RuntimeProjection(env, "selfhosted")
	if _, ok := selfhosted.SecretNames["GRAFANA_ADMIN_PASSWORD"]; !ok {
		t.Error("GRAFANA_ADMIN_PASSWORD must be secret in selfhosted mode")
	}
}
