package job

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// maxAttemptIDLength matches the length of a UUID
	maxAttemptIDLength    = 36
	attemptPrefixLength   = 5
	maxAttemptJobIDLength = maxAttemptIDLength - attemptPrefixLength - 1
)

var (
	attemptSanitizeRe = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
	attemptHyphensRe  = regexp.MustCompile(`-+`)
)

// NewAttemptID labels one delivery of a job: {5 random hex}-{sanitized job id}.
// Redelivered jobs keep their job id but get a new attempt id. Falls back to a
// UUID when the job id has no usable characters.
func NewAttemptID(jobID string) string {
	sanitized := strings.ReplaceAll(jobID, " ", "-")
	sanitized = attemptSanitizeRe.ReplaceAllString(sanitized, "")
	sanitized = attemptHyphensRe.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	if sanitized == "" {
		return uuid.NewString()
	}
	if len(sanitized) > maxAttemptJobIDLength {
		sanitized = sanitized[:maxAttemptJobIDLength]
	}

	return randomPrefix() + "-" + sanitized
}

func randomPrefix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()[:attemptPrefixLength]
	}
	return hex.EncodeToString(b)[:attemptPrefixLength]
}
