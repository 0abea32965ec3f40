package config

import (
	"flag"
	"io"
	"time"

	"github.com/dmitrijs2005/gophbackup/internal/flagx"
)

var clientFlags = []string{
	"-d", "-w", "-o", "-u", "-b", "-g", "-e", "-k", "-s", "-x", "-a", "-t", "-n", "-l", "-i", "-r", "-v",
}

// parseFlags overlays cfg with the flags it knows about. Other arguments,
// such as a subcommand and its options, are filtered out first.
//
//	-d string   database DSN (sqlite path or postgres:// URL)
//	-w string   work directory for temporary files
//	-o string   object store kind: http or s3
//	-u string   CDN base URL (http store)
//	-b string   S3 bucket
//	-g string   S3 region
//	-e string   S3 endpoint
//	-k string   S3 access key
//	-s string   S3 secret key
//	-x string   S3 key prefix
//	-a string   credentials server address
//	-t string   access token for the credentials server
//	-n string   backup name
//	-l string   backup level: messages or media
//	-i duration credentials refresh interval
//	-r int      upload attempts
//	-v string   log level: debug, info, warn or error
func parseFlags(args []string, cfg *Config) error {
	fs := flag.NewFlagSet("backupctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "database DSN")
	fs.StringVar(&cfg.WorkDir, "w", cfg.WorkDir, "work directory")
	fs.StringVar(&cfg.ObjectStore, "o", cfg.ObjectStore, "object store (http|s3)")
	fs.StringVar(&cfg.CDNBaseURL, "u", cfg.CDNBaseURL, "CDN base URL")
	fs.StringVar(&cfg.S3Bucket, "b", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "g", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "e", cfg.S3Endpoint, "S3 endpoint")
	fs.StringVar(&cfg.S3AccessKey, "k", cfg.S3AccessKey, "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "s", cfg.S3SecretKey, "S3 secret key")
	fs.StringVar(&cfg.S3Prefix, "x", cfg.S3Prefix, "S3 key prefix")
	fs.StringVar(&cfg.CredentialsAddr, "a", cfg.CredentialsAddr, "credentials server address")
	fs.StringVar(&cfg.AccessToken, "t", cfg.AccessToken, "access token")
	fs.StringVar(&cfg.BackupName, "n", cfg.BackupName, "backup name")
	fs.StringVar(&cfg.BackupLevel, "l", cfg.BackupLevel, "backup level (messages|media)")
	fs.DurationVar(&cfg.RefreshInterval, "i", cfg.RefreshInterval, "credentials refresh interval")
	fs.UintVar(&cfg.UploadAttempts, "r", cfg.UploadAttempts, "upload attempts")
	fs.StringVar(&cfg.LogLevel, "v", cfg.LogLevel, "log level")

	return fs.Parse(flagx.FilterArgs(args, clientFlags))
}

// parseServerFlags overlays cfg with credentials server flags.
//
//	-a string   gRPC bind address
//	-s string   JWT secret key
//	-t int      credential validity, minutes
//	-v int      access token validity, hours
//	-n int      CDN number handed out with credentials
//	-l string   log level
func parseServerFlags(args []string, cfg *ServerConfig) error {
	fs := flag.NewFlagSet("credserver", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.EndpointAddrGRPC, "a", cfg.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&cfg.SecretKey, "s", cfg.SecretKey, "secret key")
	credentialValidity := fs.Int("t", int(cfg.CredentialValidity.Minutes()), "credential validity (in minutes)")
	accessValidity := fs.Int("v", int(cfg.AccessValidity.Hours()), "access token validity (in hours)")
	fs.UintVar(&cfg.CdnNumber, "n", cfg.CdnNumber, "CDN number")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(flagx.FilterArgs(args, []string{"-a", "-s", "-t", "-v", "-n", "-l"})); err != nil {
		return err
	}

	cfg.CredentialValidity = time.Duration(*credentialValidity) * time.Minute
	cfg.AccessValidity = time.Duration(*accessValidity) * time.Hour
	return nil
}
