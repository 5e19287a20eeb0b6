package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateVisitID generates a unique visit ID
func GenerateVisitID() string {
	return uuid.New().String()
}

// GenerateChannelName generates the media room name for a visit
func GenerateChannelName() string {
	return "visit_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// GenerateUID generates a per-join participant identity with a role prefix
func GenerateUID(role string) string {
	if role == "" {
		role = "guest"
	}
	return GenerateID(role)
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
