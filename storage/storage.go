// Package storage issues write-only upload targets for interview recordings
// and verifies that uploaded objects exist.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPresignTTL  = 15 * time.Minute
	DefaultContentType = "video/webm"
)

// PresignedUpload is what a client needs to PUT a recording directly.
type PresignedUpload struct {
	UploadURL string
	ObjectKey string
	FinalURL  string
	ExpiresIn time.Duration
}

type ObjectStore interface {
	CreatePresignedUpload(ctx context.Context, token string) (*PresignedUpload, error)
	// VerifyExists performs a metadata-only lookup.
	VerifyExists(ctx context.Context, objectKey string) (bool, error)
	// Put stores size bytes read from body.
	Put(ctx context.Context, objectKey string, body io.ReadSeeker, size int64, contentType string) error
	URLFor(objectKey string) string
}

// KeyPrefix is the only prefix under which objects for token may live.
func KeyPrefix(token string) string {
	return "recordings/" + token + "/"
}

// NewObjectKey returns a fresh key under the token prefix.
func NewObjectKey(token string, now time.Time) string {
	return fmt.Sprintf("%s%d-%s.webm", KeyPrefix(token), now.UnixMilli(), uuid.NewString())
}

// OwnsKey reports whether objectKey is a well-formed key under the token's
// prefix. Keys that escape the prefix through path segments are rejected.
func OwnsKey(token, objectKey string) bool {
	if token == "" || strings.ContainsAny(token, "/\\") {
		return false
	}
	prefix := KeyPrefix(token)
	if !strings.HasPrefix(objectKey, prefix) || len(objectKey) == len(prefix) {
		return false
	}
	return path.Clean(objectKey) == objectKey
}
