package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the account
// access token when requesting backup credentials.
const AccessTokenHeaderName = "access_token"

// BackupVersion is the only backup format version this build can read.
const BackupVersion uint64 = 1

// Backup credentials gRPC service. There is no generated stub: both sides
// exchange google.protobuf.Empty and google.protobuf.Struct messages.
const (
	CredentialsServiceName = "backup.v1.BackupCredentials"
	GetCredentialsMethod   = "/" + CredentialsServiceName + "/GetCredentials"
)
