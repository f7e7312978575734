package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// DefaultLegalTemplate is the body paragraph of the cancellation request.
// It omits the auto-debit clause; deployments that need it override
// document.legal_template.
const DefaultLegalTemplate = "EU, {{.Name}}, CPF: {{.NationalID}}, MATRÍCULA: {{.MemberID}} " +
	"SOLICITO A FINALIZAÇÃO DO MEU CONTRATO FIRMADO COM A EMPRESA {{.OrganizationLegalName}} " +
	"CNPJ {{.OrganizationTaxID}}, NO DIA {{.ContractStart}}, EFETUEI O PAGAMENTO NO VALOR DE " +
	"R$ {{.Penalty}} REFERENTE A RESCISÃO ANTECIPADA DO MEU CONTRATO."

// Session store backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Session  SessionConfig  `yaml:"session"`
	Document DocumentConfig `yaml:"document"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// BaseURL prefixes the signing links handed out to clients.
	BaseURL        string   `yaml:"base_url"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type StorageConfig struct {
	DocumentDir string `yaml:"document_dir"`
	TempDir     string `yaml:"temp_dir"`
}

type SessionConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	MaxSessions int    `yaml:"max_sessions"` // 0 = unlimited
	TTLMinutes  int    `yaml:"ttl_minutes"`  // 0 = never expire
}

type DocumentConfig struct {
	Title                 string  `yaml:"title"`
	Organization          string  `yaml:"organization"`
	OrganizationLegalName string  `yaml:"organization_legal_name"`
	OrganizationTaxID     string  `yaml:"organization_tax_id"`
	LegalTemplate         string  `yaml:"legal_template"`
	Font                  string  `yaml:"font"`
	Timezone              string  `yaml:"timezone"`
	SignatureWidthMM      float64 `yaml:"signature_width_mm"`
}

type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return finish(&cfg)
}

// LoadOptional behaves like Load but starts from defaults when the file
// does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(&Config{})
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.BaseURL = strings.TrimRight(c.Server.BaseURL, "/")

	if c.Storage.DocumentDir == "" {
		c.Storage.DocumentDir = "finalizados"
	}
	if c.Storage.TempDir == "" {
		c.Storage.TempDir = "temp"
	}

	if c.Session.Backend == "" {
		c.Session.Backend = BackendMemory
	}
	if c.Session.SQLitePath == "" {
		c.Session.SQLitePath = "sessions.db"
	}

	if c.Document.Title == "" {
		c.Document.Title = "SOLICITAÇÃO DE NÃO RENOVAÇÃO DE CONTRATO"
	}
	if c.Document.Organization == "" {
		c.Document.Organization = "IRONBERG"
	}
	if c.Document.OrganizationLegalName == "" {
		c.Document.OrganizationLegalName = "IRONBERG ALPHAVILLE"
	}
	if c.Document.OrganizationTaxID == "" {
		c.Document.OrganizationTaxID = "55.157.797.0001/06"
	}
	if c.Document.LegalTemplate == "" {
		c.Document.LegalTemplate = DefaultLegalTemplate
	}
	if c.Document.Font == "" {
		c.Document.Font = "Arial"
	}
	if c.Document.Timezone == "" {
		c.Document.Timezone = "America/Sao_Paulo"
	}
	if c.Document.SignatureWidthMM == 0 {
		c.Document.SignatureWidthMM = 80
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// applyEnv applies the ASSINAGYM_* overrides set by hosting platforms.
// It runs before defaults so the default base URL follows the port.
func (c *Config) applyEnv() error {
	if v := os.Getenv("ASSINAGYM_BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("ASSINAGYM_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ASSINAGYM_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative")
	}
	if c.Session.TTLMinutes < 0 {
		return fmt.Errorf("session.ttl_minutes must not be negative")
	}
	if _, err := time.LoadLocation(c.Document.Timezone); err != nil {
		return fmt.Errorf("invalid document.timezone: %w", err)
	}
	switch strings.ToLower(c.Document.Font) {
	case "arial", "helvetica", "times", "courier":
	default:
		return fmt.Errorf("document.font %q is not a core PDF font", c.Document.Font)
	}
	if c.Document.SignatureWidthMM < 0 {
		return fmt.Errorf("document.signature_width_mm must not be negative")
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive.endpoint and archive.bucket are required when archive is enabled")
	}
	return nil
}

// SessionTTL returns the configured session lifetime, zero when disabled.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}
