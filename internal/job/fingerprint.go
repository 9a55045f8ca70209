// SPDX-License-Identifier: MIT

package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
)

// Fingerprint hashes the file's identity (absolute path, size, mtime in
// nanoseconds). Two drops of the same bytes at the same path produce the same
// fingerprint across restarts, which is what the permanent dedup index keys on.
func Fingerprint(absPath string) string {
	info, err := os.Stat(absPath)
	if err != nil {
		// Stat failure falls back to path identity so ingestion can proceed.
		return hashString(absPath)
	}
	return hashString(fmt.Sprintf("%s:%d:%d", absPath, info.Size(), info.ModTime().UnixNano()))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
