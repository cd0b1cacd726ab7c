package variant

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"variant-studio/internal/domain"
)

// ErrUnsupportedMedia is returned when an upload does not match the expected kind.
var ErrUnsupportedMedia = errors.New("unsupported media type")

// DetectMedia sniffs r and checks that it holds the expected kind of media.
// It returns the detected MIME type.
func DetectMedia(r io.Reader, kind domain.MediaKind) (string, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("detect media type: %w", err)
	}
	detected := mt.String()
	if !strings.HasPrefix(detected, string(kind)+"/") {
		return detected, fmt.Errorf("%w: %s is not %s", ErrUnsupportedMedia, detected, kind)
	}
	return detected, nil
}
