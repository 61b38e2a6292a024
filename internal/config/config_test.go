package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks variables that would leak in from the host environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"PROFILE", "CONFIG", "PORT", "CACHE_TYPE", "DB_DRIVER", "DEBUG", "LOG_LEVEL"} {
		t.Setenv(EnvPrefix+key, "")
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Repository.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Repository.Driver)
	}
	if cfg.Cache.Type != "memory" {
		t.Errorf("expected memory cache, got %s", cfg.Cache.Type)
	}
	if cfg.EventBus.Type != "channel" {
		t.Errorf("expected channel bus, got %s", cfg.EventBus.Type)
	}
	if cfg.Engine.VelocityWindow != 24*time.Hour {
		t.Errorf("expected 24h velocity window, got %s", cfg.Engine.VelocityWindow)
	}
}

func TestLoadClusterProfile(t *testing.T) {
	clearEnv(t)
	t.Setenv("KESTREL_PROFILE", "cluster")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Repository.Driver != "postgres" {
		t.Errorf("expected postgres, got %s", cfg.Repository.Driver)
	}
	if !cfg.Cache.EnableTwoPhase {
		t.Error("expected two-phase cache")
	}
	if cfg.EventBus.NATSQueueGroup != "kestrel-workers" {
		t.Errorf("expected queue group, got %q", cfg.EventBus.NATSQueueGroup)
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := writeFile(t, `
server:
  port: 9090
engine:
  decisionTtl: 2m
  maxBatchSize: 50
cache:
  type: redis
  redisAddr: cache:6379
risk:
  baseScore: 90
  rules:
    - id: no-website
      name: missing website
      expression: "!has(submission.website)"
      penalty: 5
      enabled: true
`)

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Server.Host != "0.0.0.0" {
			t.Errorf("expected default host kept, got %s", cfg.Server.Host)
		}
		if cfg.Engine.DecisionTTL != 2*time.Minute {
			t.Errorf("expected 2m ttl, got %s", cfg.Engine.DecisionTTL)
		}
		if cfg.Cache.Type != "redis" || cfg.Cache.RedisAddr != "cache:6379" {
			t.Errorf("unexpected cache config %+v", cfg.Cache)
		}
		if cfg.Risk.BaseScore != 90 || len(cfg.Risk.Rules) != 1 {
			t.Fatalf("unexpected risk config %+v", cfg.Risk)
		}
		if cfg.Risk.Rules[0].ID != "no-website" || cfg.Risk.Rules[0].Penalty != 5 {
			t.Errorf("unexpected rule %+v", cfg.Risk.Rules[0])
		}
	})

	t.Run("RulesEnabledUnlessDisabled", func(t *testing.T) {
		cfg, err := Load(writeFile(t, `
risk:
  rules:
    - id: missing-tax-id
      expression: "!has_tax_id"
      penalty: 40
    - id: contractor
      expression: submission_type == "contractor"
      penalty: 5
      enabled: false
`))
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(cfg.Risk.Rules) != 2 {
			t.Fatalf("expected 2 rules, got %d", len(cfg.Risk.Rules))
		}
		if !cfg.Risk.Rules[0].Enabled {
			t.Error("rule without an enabled key should be enabled")
		}
		if cfg.Risk.Rules[1].Enabled {
			t.Error("rule with enabled: false should stay disabled")
		}
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		t.Setenv("KESTREL_PORT", "7070")
		t.Setenv("KESTREL_CACHE_TYPE", "none")
		t.Setenv("KESTREL_DEBUG", "true")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		if cfg.Server.Port != 7070 {
			t.Errorf("expected port 7070, got %d", cfg.Server.Port)
		}
		if cfg.Cache.Type != "none" {
			t.Errorf("expected cache none, got %s", cfg.Cache.Type)
		}
		if cfg.Logging.Level != "debug" {
			t.Errorf("expected debug level, got %s", cfg.Logging.Level)
		}
	})

	t.Run("PathFromEnv", func(t *testing.T) {
		t.Setenv("KESTREL_CONFIG", path)

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
	})
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "MissingFile",
			file:    "missing",
			wantErr: "failed to read config file",
		},
		{
			name:    "MalformedYAML",
			file:    "server: [",
			wantErr: "failed to parse config file",
		},
		{
			name:    "BadInteger",
			env:     map[string]string{"KESTREL_PORT": "eighty"},
			wantErr: "KESTREL_PORT",
		},
		{
			name:    "BadDuration",
			env:     map[string]string{"KESTREL_VELOCITY_WINDOW": "daily"},
			wantErr: "KESTREL_VELOCITY_WINDOW",
		},
		{
			name:    "UnknownCacheType",
			env:     map[string]string{"KESTREL_CACHE_TYPE": "memcached"},
			wantErr: "invalid configuration",
		},
		{
			name:    "PostgresWithoutHost",
			env:     map[string]string{"KESTREL_DB_DRIVER": "postgres"},
			wantErr: "PostgresHost",
		},
		{
			name:    "PortOutOfRange",
			env:     map[string]string{"KESTREL_PORT": "70000"},
			wantErr: "Port",
		},
		{
			name:    "RuleWithoutExpression",
			file:    "risk:\n  rules:\n    - id: empty\n",
			wantErr: "Expression",
		},
		{
			name:    "AllRulesDisabled",
			file:    "risk:\n  rules:\n    - id: only\n      expression: \"true\"\n      enabled: false\n",
			wantErr: "disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			switch tt.file {
			case "":
			case "missing":
				path = filepath.Join(t.TempDir(), "absent.yaml")
			default:
				path = writeFile(t, tt.file)
			}

			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
