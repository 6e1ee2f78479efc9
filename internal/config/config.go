// Package config loads application configuration from the environment.
//
// CONFIGURATION SOURCES (in order):
//  1. A .env file in the working directory, if present (godotenv). Values
//     already set in the real environment win — godotenv never overrides.
//  2. Environment variables, parsed into a typed struct (caarlos0/env).
//
// WHY A TYPED STRUCT INSTEAD OF os.Getenv CALLS?
// Scattered os.Getenv calls hide which variables the app actually reads.
// With struct tags, the full configuration surface is one screen of code,
// defaults live next to the field, and parsing errors (bad PORT, etc.)
// surface at startup instead of deep inside a request.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds everything the server needs from the environment.
type Config struct {
	Port   int    `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"data/triangle.db"`

	// CORS origins allowed to call the API. The frontend is served from a
	// different origin, so the default is permissive — same as the original
	// deployment this backend fronts.
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	// GoogleCredentials is the full service-account JSON blob. This is the
	// recommended way to configure the verifier on PaaS hosts where multi-line
	// secrets are awkward.
	GoogleCredentials string `env:"GOOGLE_CREDENTIALS"`

	// Discrete fallback fields, used only when GOOGLE_CREDENTIALS is unset.
	GoogleProjectID    string `env:"GOOGLE_PROJECT_ID"`
	GooglePrivateKeyID string `env:"GOOGLE_PRIVATE_KEY_ID"`
	GooglePrivateKey   string `env:"GOOGLE_PRIVATE_KEY"`
	GoogleClientEmail  string `env:"GOOGLE_CLIENT_EMAIL"`
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
}

// Load reads the .env file (when present) and parses the environment.
func Load() (*Config, error) {
	// Ignore the error: a missing .env file just means the environment is
	// configured directly, which is the normal production case.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	return &cfg, nil
}

// CredentialsJSON assembles the service-account credential blob the token
// verifier is constructed from.
//
// PRIVATE KEY NEWLINE FIXUP:
// Hosting dashboards frequently store the PEM private key with literal "\n"
// two-character sequences instead of real newlines. PEM parsing fails on
// those, so we unescape them here — in both the JSON blob and the discrete
// field.
//
// Returns ("", false) when no credential material is configured at all; the
// caller decides whether that is fatal (the original deployment only warns,
// leaving federated login broken until credentials arrive).
func (c *Config) CredentialsJSON() (string, bool) {
	if c.GoogleCredentials != "" {
		return unescapePrivateKey(c.GoogleCredentials), true
	}

	if c.GoogleProjectID == "" || c.GooglePrivateKey == "" {
		return "", false
	}

	blob := map[string]string{
		"type":           "service_account",
		"project_id":     c.GoogleProjectID,
		"private_key_id": c.GooglePrivateKeyID,
		"private_key":    strings.ReplaceAll(c.GooglePrivateKey, `\n`, "\n"),
		"client_email":   c.GoogleClientEmail,
		"client_id":      c.GoogleClientID,
		"auth_uri":       "https://accounts.google.com/o/oauth2/auth",
		"token_uri":      "https://oauth2.googleapis.com/token",
	}
	for k, v := range blob {
		if v == "" {
			delete(blob, k)
		}
	}

	out, err := json.Marshal(blob)
	if err != nil {
		// A map[string]string cannot fail to marshal; keep the signature simple.
		return "", false
	}
	return string(out), true
}

// unescapePrivateKey fixes the private_key field inside a credentials JSON
// blob without disturbing the rest of the document.
func unescapePrivateKey(blob string) string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(blob), &doc); err != nil {
		return blob // leave malformed input for the credential parser to reject
	}

	key, ok := doc["private_key"].(string)
	if !ok || !strings.Contains(key, `\n`) {
		return blob
	}
	doc["private_key"] = strings.ReplaceAll(key, `\n`, "\n")

	fixed, err := json.Marshal(doc)
	if err != nil {
		return blob
	}
	return string(fixed)
}
