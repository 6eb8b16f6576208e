package domain

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Evidence is what gets archived alongside a completed job, scaled by the
// manifest's evidence level: metadata keeps request/response facts, full adds
// the page HTML and a screenshot.
type Evidence struct {
	Level          EvidenceLevel
	URL            string
	ContentHash    string
	CapturedAt     time.Time
	HTML           string
	Screenshot     []byte
	ScreenshotMIME string
	Metadata       map[string]string
}

// HashContent returns the hex-encoded SHA-256 of content, the integrity hash
// stored with evidence records.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether content still matches a previously recorded
// hash. Comparison is constant-time; evidence may sit under legal hold.
func VerifyHash(content []byte, hash string) bool {
	want := HashContent(content)
	return subtle.ConstantTimeCompare([]byte(want), []byte(hash)) == 1
}
