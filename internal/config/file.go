package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/gophbackup/internal/flagx"
	"github.com/dmitrijs2005/gophbackup/internal/timex"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk form of Config. It is filled from the current
// Config before decoding, so keys missing from the file keep their values.
type fileConfig struct {
	DatabaseDSN     string         `json:"database_dsn" yaml:"database_dsn"`
	WorkDir         string         `json:"work_dir" yaml:"work_dir"`
	LogLevel        string         `json:"log_level" yaml:"log_level"`
	ObjectStore     string         `json:"object_store" yaml:"object_store"`
	CDNBaseURL      string         `json:"cdn_base_url" yaml:"cdn_base_url"`
	S3Bucket        string         `json:"s3_bucket" yaml:"s3_bucket"`
	S3Region        string         `json:"s3_region" yaml:"s3_region"`
	S3Endpoint      string         `json:"s3_endpoint" yaml:"s3_endpoint"`
	S3AccessKey     string         `json:"s3_access_key" yaml:"s3_access_key"`
	S3SecretKey     string         `json:"s3_secret_key" yaml:"s3_secret_key"`
	S3Prefix        string         `json:"s3_prefix" yaml:"s3_prefix"`
	CredentialsAddr string         `json:"credentials_addr" yaml:"credentials_addr"`
	AccessToken     string         `json:"access_token" yaml:"access_token"`
	BackupName      string         `json:"backup_name" yaml:"backup_name"`
	BackupLevel     string         `json:"backup_level" yaml:"backup_level"`
	RefreshInterval timex.Duration `json:"refresh_interval" yaml:"refresh_interval"`
	UploadAttempts  uint           `json:"upload_attempts" yaml:"upload_attempts"`
	BatchSize       int            `json:"batch_size" yaml:"batch_size"`
}

type serverFileConfig struct {
	EndpointAddrGRPC   string         `json:"endpoint_addr_grpc" yaml:"endpoint_addr_grpc"`
	SecretKey          string         `json:"secret_key" yaml:"secret_key"`
	CredentialValidity timex.Duration `json:"credential_validity" yaml:"credential_validity"`
	AccessValidity     timex.Duration `json:"access_validity" yaml:"access_validity"`
	CdnNumber          uint           `json:"cdn_number" yaml:"cdn_number"`
	LogLevel           string         `json:"log_level" yaml:"log_level"`
}

// decodeFile reads the config file named by -c/-config into dst. It
// returns false when no file was requested.
func decodeFile(args []string, dst any) (bool, error) {
	path := flagx.ConfigFileFlag(args)
	if path == "" {
		return false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, dst)
	default:
		err = json.Unmarshal(data, dst)
	}
	if err != nil {
		return false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return true, nil
}

func parseFile(args []string, cfg *Config) error {
	fc := fileConfig{
		DatabaseDSN:     cfg.DatabaseDSN,
		WorkDir:         cfg.WorkDir,
		LogLevel:        cfg.LogLevel,
		ObjectStore:     cfg.ObjectStore,
		CDNBaseURL:      cfg.CDNBaseURL,
		S3Bucket:        cfg.S3Bucket,
		S3Region:        cfg.S3Region,
		S3Endpoint:      cfg.S3Endpoint,
		S3AccessKey:     cfg.S3AccessKey,
		S3SecretKey:     cfg.S3SecretKey,
		S3Prefix:        cfg.S3Prefix,
		CredentialsAddr: cfg.CredentialsAddr,
		AccessToken:     cfg.AccessToken,
		BackupName:      cfg.BackupName,
		BackupLevel:     cfg.BackupLevel,
		RefreshInterval: timex.Duration{Duration: cfg.RefreshInterval},
		UploadAttempts:  cfg.UploadAttempts,
		BatchSize:       cfg.BatchSize,
	}

	ok, err := decodeFile(args, &fc)
	if err != nil || !ok {
		return err
	}

	cfg.DatabaseDSN = fc.DatabaseDSN
	cfg.WorkDir = fc.WorkDir
	cfg.LogLevel = fc.LogLevel
	cfg.ObjectStore = fc.ObjectStore
	cfg.CDNBaseURL = fc.CDNBaseURL
	cfg.S3Bucket = fc.S3Bucket
	cfg.S3Region = fc.S3Region
	cfg.S3Endpoint = fc.S3Endpoint
	cfg.S3AccessKey = fc.S3AccessKey
	cfg.S3SecretKey = fc.S3SecretKey
	cfg.S3Prefix = fc.S3Prefix
	cfg.CredentialsAddr = fc.CredentialsAddr
	cfg.AccessToken = fc.AccessToken
	cfg.BackupName = fc.BackupName
	cfg.BackupLevel = fc.BackupLevel
	cfg.RefreshInterval = fc.RefreshInterval.Duration
	cfg.UploadAttempts = fc.UploadAttempts
	cfg.BatchSize = fc.BatchSize
	return nil
}

func parseServerFile(args []string, cfg *ServerConfig) error {
	fc := serverFileConfig{
		EndpointAddrGRPC:   cfg.EndpointAddrGRPC,
		SecretKey:          cfg.SecretKey,
		CredentialValidity: timex.Duration{Duration: cfg.CredentialValidity},
		AccessValidity:     timex.Duration{Duration: cfg.AccessValidity},
		CdnNumber:          cfg.CdnNumber,
		LogLevel:           cfg.LogLevel,
	}

	ok, err := decodeFile(args, &fc)
	if err != nil || !ok {
		return err
	}

	cfg.EndpointAddrGRPC = fc.EndpointAddrGRPC
	cfg.SecretKey = fc.SecretKey
	cfg.CredentialValidity = fc.CredentialValidity.Duration
	cfg.AccessValidity = fc.AccessValidity.Duration
	cfg.CdnNumber = fc.CdnNumber
	cfg.LogLevel = fc.LogLevel
	return nil
}
