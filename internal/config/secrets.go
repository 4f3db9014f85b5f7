package config

import (
	"net/url"
)

const redacted = "***"

// Redacted returns a copy of cfg that is safe to print. Passwords, keys and
// tokens become "***". Connection URLs keep their scheme and host so an
// operator can still tell which endpoint is configured.
func Redacted(cfg *Config) Config {
	out := *cfg

	for _, s := range []*string{
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.JWTSecret,
		&out.Wallet.PrivateKey,
		&out.Wallet.KeyPassword,
		&out.Custody.APIKey,
		&out.Custody.APISecret,
		&out.Notify.TelegramToken,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	for _, s := range []*string{
		&out.Postgres.DSN,
		&out.EVM.RPCURL,
		&out.Notify.DiscordWebhookURL,
	} {
		*s = redactURL(*s)
	}

	out.Engine.Operators = append([]string(nil), cfg.Engine.Operators...)
	out.Engine.GateRules = append([]GateRuleConfig(nil), cfg.Engine.GateRules...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	return out
}

// redactURL keeps scheme://host and masks credentials, path and query. A
// value that does not parse as a URL with a host is masked entirely.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redacted
	}
	out := u.Scheme + "://"
	if u.User != nil {
		out += redacted + "@"
	}
	out += u.Host
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		out += "/" + redacted
	}
	return out
}
