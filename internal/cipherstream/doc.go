// Package cipherstream provides the streaming stages of the backup cipher
// envelope:
//
//	IV(16) || AES-256-CBC(plaintext) || HMAC-SHA256(IV || ciphertext)
//
// Writers never close the writer they wrap. Each Close only flushes the
// stage's own trailer so that a pipeline can be finalized front to back.
package cipherstream
