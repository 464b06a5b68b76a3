// Package appid derives stable application identities from compose content.
//
// Two instances created from byte-identical compose specifications share the
// same application ID, which is the basis for re-associating upgraded instances with
// the same logical application. The ID is content-addressed and cannot be
// reversed to the compose content.
package appid

import (
	"crypto/sha256"
	"encoding/hex"
)

// Length is the hex prefix length of a derived application ID.
const Length = 40

// Derive computes the application ID for the exact bytes of a compose
// specification: hex(sha256(compose)) truncated to Length characters.
func Derive(compose []byte) string {
	sum := sha256.Sum256(compose)
	return hex.EncodeToString(sum[:])[:Length]
}
