package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsNeedOnlySecrets(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("defaults without funders or webhook secret should not validate")
	}
	for _, want := range []string{"funders:", "webhook_secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %s", err, want)
		}
	}

	cfg.Funders = []FunderConfig{{PrivateKey: "0x01"}}
	cfg.Ingest.WebhookSecret = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Store.Driver = "mongo"
	cfg.Chain.EscrowAddress = "nope"
	cfg.Scheduler.PayoutCron = "every minute"
	cfg.Price.Fallback = "abc"
	cfg.Funders = []FunderConfig{{EncryptedKeyPath: "k.json"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{`unknown mode "trade"`, `unknown driver "mongo"`, "escrow_address", "payout_cron", "fallback", "key_password"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %q:\n%s", want, err)
		}
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kolboard.toml")
	body := `
mode = "scheduler"

[store]
driver = "sqlite"
sqlite_path = "/tmp/k.db"

[payout]
budget = "20s"

[[funders]]
private_key = "0xaaa"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)
	t.Setenv("KOLBOARD_PAYOUT_BATCH_SIZE", "7")
	t.Setenv("KOLBOARD_CHAIN_ENDPOINTS", "http://a, http://b ,")
	t.Setenv("KOLBOARD_FUNDER_KEY_PASSWORD", "pw")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "scheduler" || cfg.Store.Driver != "sqlite" || cfg.Payout.Budget.Duration != 20*time.Second {
		t.Fatalf("file values lost: %+v", cfg)
	}
	if cfg.Payout.BatchSize != 7 || len(cfg.Chain.Endpoints) != 2 || cfg.Chain.Endpoints[1] != "http://b" {
		t.Fatalf("env overrides lost: batch=%d endpoints=%v", cfg.Payout.BatchSize, cfg.Chain.Endpoints)
	}
	if cfg.Funders[0].KeyPassword != "pw" || cfg.Payout.ReconcileAfter.Duration != 10*time.Minute {
		t.Fatalf("funders=%+v reconcile=%v", cfg.Funders, cfg.Payout.ReconcileAfter)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Funders = []FunderConfig{{PrivateKey: "0xsecret"}}
	cfg.Server.AdminKey = "admin"
	cfg.Postgres.DSN = "postgres://u:p@h/db"

	out := RedactedConfig(&cfg)
	if out.Funders[0].PrivateKey != redacted || out.Server.AdminKey != redacted || out.Postgres.DSN != redacted {
		t.Fatalf("not redacted: %+v", out)
	}
	if cfg.Funders[0].PrivateKey != "0xsecret" {
		t.Fatal("redaction wrote through to the original")
	}
	if out.Notify.TelegramToken != "" {
		t.Fatal("empty secret should stay empty")
	}
}
