package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Ingest.WebhookSecret)
	redact(&out.Ingest.IndexerAPIKey)
	redact(&out.Server.AdminKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Funders is copied element-wise so redacting does not write through to
	// the original backing array.
	if cfg.Funders != nil {
		out.Funders = make([]FunderConfig, len(cfg.Funders))
		for i, f := range cfg.Funders {
			redact(&f.PrivateKey)
			redact(&f.KeyPassword)
			out.Funders[i] = f
		}
	}

	out.Chain.Endpoints = cloneStrings(cfg.Chain.Endpoints)
	out.Ingest.IndexerURLs = cloneStrings(cfg.Ingest.IndexerURLs)
	out.Notify.Events = cloneStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = cloneStrings(cfg.Server.CORSOrigins)
	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
