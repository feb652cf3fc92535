package banext

import (
	stdsha "crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"

	simdsha "github.com/minio/sha256-simd"
)

var stdlibSHA256 atomic.Bool

// UseSIMDHashing switches the fingerprint hash between sha256-simd and the
// standard library implementation. Hosts call it once at startup; it is safe
// to call while hooks are running.
func UseSIMDHashing(useSimd bool) {
	stdlibSHA256.Store(!useSimd)
}

func sha256Sum(data []byte) [32]byte {
	if stdlibSHA256.Load() {
		return stdsha.Sum256(data)
	}
	return simdsha.Sum256(data)
}

const sourceFingerprintLen = 12

// sourceFingerprint shortens a source (client public keys can be long) to a
// stable hex prefix for log lines.
func sourceFingerprint(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return ""
	}
	sum := sha256Sum([]byte(source))
	return hex.EncodeToString(sum[:])[:sourceFingerprintLen]
}
