package common

import "crypto/rand"

// GenerateRandByteArray returns size bytes from crypto/rand. It panics if the
// system random source fails.
func GenerateRandByteArray(size int) []byte {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// WipeByteArray overwrites b with zeros. It is used on derived keys and on
// the account password held in memory during the import window.
func WipeByteArray(b []byte) {
	clear(b)
}
