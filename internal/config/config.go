package config

import (
	"fmt"
	"time"
)

const (
	StoreHTTP = "http"
	StoreS3   = "s3"
)

// Config holds runtime settings for backupctl.
type Config struct {
	DatabaseDSN string
	WorkDir     string
	LogLevel    string

	// ObjectStore selects the backend: StoreHTTP or StoreS3.
	ObjectStore string
	CDNBaseURL  string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Prefix    string

	CredentialsAddr string
	AccessToken     string

	BackupName      string
	BackupLevel     string
	RefreshInterval time.Duration
	UploadAttempts  uint
	BatchSize       int
}

// LoadDefaults populates c with development defaults.
func (c *Config) LoadDefaults() {
	c.DatabaseDSN = "gophbackup.db"
	c.WorkDir = "backups"
	c.LogLevel = "info"
	c.ObjectStore = StoreHTTP
	c.CDNBaseURL = "http://127.0.0.1:8080"
	c.S3Bucket = "backups"
	c.S3Region = "us-east-1"
	c.CredentialsAddr = "127.0.0.1:50052"
	c.BackupName = "backup"
	c.BackupLevel = "messages"
	c.RefreshInterval = time.Hour
	c.UploadAttempts = 3
	c.BatchSize = 100
}

func (c *Config) validate() error {
	switch c.ObjectStore {
	case StoreHTTP, StoreS3, "":
	default:
		return fmt.Errorf("unknown object store %q", c.ObjectStore)
	}
	if c.BackupName == "" {
		return fmt.Errorf("backup name must not be empty")
	}
	return nil
}

// LoadConfig builds a Config from defaults, then the config file named in
// args (if any), then the flags in args.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseFile(args, cfg); err != nil {
		return nil, err
	}
	if err := parseFlags(args, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ServerConfig holds runtime settings for the credentials server.
type ServerConfig struct {
	EndpointAddrGRPC   string
	SecretKey          string
	CredentialValidity time.Duration
	AccessValidity     time.Duration
	CdnNumber          uint
	LogLevel           string
}

// LoadDefaults populates c with development defaults.
// NOTE: the secret key is insecure and must be overridden outside development.
func (c *ServerConfig) LoadDefaults() {
	c.EndpointAddrGRPC = ":50052"
	c.SecretKey = "secretKey"
	c.CredentialValidity = time.Hour
	c.AccessValidity = 24 * time.Hour
	c.CdnNumber = 2
	c.LogLevel = "info"
}

func LoadServerConfig(args []string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	cfg.LoadDefaults()
	if err := parseServerFile(args, cfg); err != nil {
		return nil, err
	}
	if err := parseServerFlags(args, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
