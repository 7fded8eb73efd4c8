package imageservice

import "fmt"

// ImageNotFoundError indicates the requested image does not exist in Glance.
type ImageNotFoundError struct {
	ImageID string
}

func (e *ImageNotFoundError) Error() string {
	return fmt.Sprintf("image %s not found", e.ImageID)
}

// ImageUnauthorizedError indicates the image service rejected our credentials.
type ImageUnauthorizedError struct {
	ImageID string
}

func (e *ImageUnauthorizedError) Error() string {
	return fmt.Sprintf("not authorized to access image %s", e.ImageID)
}

// ImageDownloadError wraps a failure to fetch image data after retries.
type ImageDownloadError struct {
	ImageID  string
	Attempts int
	Err      error
}

func (e *ImageDownloadError) Error() string {
	return fmt.Sprintf("failed to download image %s after %d attempts: %v", e.ImageID, e.Attempts, e.Err)
}

func (e *ImageDownloadError) Unwrap() error {
	return e.Err
}
