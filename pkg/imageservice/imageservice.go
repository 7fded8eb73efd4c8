package imageservice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/imagedata"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/openstack/objectstorage/v1/objects"

	"github.com/ferrumproject/ferrum/pkg/config"
	"github.com/ferrumproject/ferrum/pkg/log"
	"github.com/ferrumproject/ferrum/pkg/metrics"
)

// Image describes a Glance image as seen by deploy interfaces.
type Image struct {
	ID              string
	Name            string
	Status          string
	SizeBytes       int64
	Checksum        string
	DiskFormat      string
	ContainerFormat string
}

// api is the narrow surface of the OpenStack clients this service uses.
type api interface {
	getImage(id string) (*images.Image, error)
	downloadImage(id string) (io.ReadCloser, error)
	createTempURL(container, object string, ttl int) (string, error)
}

// Service talks to Glance for image metadata and data, and to Swift for
// temporary URLs handed to the deploy ramdisk. Clients are created lazily
// on first use.
type Service struct {
	cfg config.ImageConfig

	mu     sync.Mutex
	client api

	tempURLs *tempURLCache
}

func New(cfg config.ImageConfig) *Service {
	return &Service{
		cfg:      cfg,
		tempURLs: newTempURLCache(cfg.SwiftTempURLDuration),
	}
}

// ensureClient authenticates on first use and caches the service clients.
func (s *Service) ensureClient() (api, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	if s.cfg.AuthURL == "" {
		return nil, fmt.Errorf("image service is not configured: auth_url is empty")
	}

	ao := gophercloud.AuthOptions{
		IdentityEndpoint: s.cfg.AuthURL,
		Username:         s.cfg.Username,
		Password:         s.cfg.Password,
		TenantName:       s.cfg.ProjectName,
		DomainName:       s.cfg.DomainName,
		AllowReauth:      true,
	}

	provider, err := openstack.AuthenticatedClient(ao)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate with image service: %w", err)
	}

	eo := gophercloud.EndpointOpts{Region: s.cfg.Region}

	imageClient, err := openstack.NewImageServiceV2(provider, eo)
	if err != nil {
		return nil, fmt.Errorf("failed to create image client: %w", err)
	}

	var swiftClient *gophercloud.ServiceClient
	if s.cfg.SwiftTempURLKey != "" {
		swiftClient, err = openstack.NewObjectStorageV1(provider, eo)
		if err != nil {
			return nil, fmt.Errorf("failed to create object storage client: %w", err)
		}
	}

	s.client = &openstackAPI{
		image:      imageClient,
		swift:      swiftClient,
		tempURLKey: s.cfg.SwiftTempURLKey,
	}
	log.WithComponent("imageservice").Info().
		Str("auth_url", s.cfg.AuthURL).
		Msg("Image service client initialized")

	return s.client, nil
}

// Show returns metadata for an image.
func (s *Service) Show(ctx context.Context, imageID string) (*Image, error) {
	client, err := s.ensureClient()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, err := client.getImage(imageID)
	if err != nil {
		return nil, translateError(imageID, err)
	}

	return &Image{
		ID:              img.ID,
		Name:            img.Name,
		Status:          string(img.Status),
		SizeBytes:       img.SizeBytes,
		Checksum:        img.Checksum,
		DiskFormat:      img.DiskFormat,
		ContainerFormat: img.ContainerFormat,
	}, nil
}

// Download streams image data into w, retrying transient failures.
// Returns the number of bytes written.
func (s *Service) Download(ctx context.Context, imageID string, w io.Writer) (int64, error) {
	client, err := s.ensureClient()
	if err != nil {
		return 0, err
	}

	attempts := s.cfg.DownloadRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && s.cfg.DownloadRetryInterval > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(s.cfg.DownloadRetryInterval):
			}
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		rc, err := client.downloadImage(imageID)
		if err != nil {
			lastErr = translateError(imageID, err)
			// Missing or forbidden images will not appear on retry.
			var notFound *ImageNotFoundError
			var unauthorized *ImageUnauthorizedError
			if errors.As(lastErr, &notFound) || errors.As(lastErr, &unauthorized) {
				metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
				return 0, lastErr
			}
			log.WithComponent("imageservice").Warn().
				Err(err).
				Str("image", imageID).
				Int("attempt", attempt).
				Msg("Image download failed, retrying")
			continue
		}

		n, err := io.Copy(w, rc)
		rc.Close()
		if err != nil {
			lastErr = err
			if n > 0 {
				// Part of the payload already reached w; restarting the
				// stream would duplicate those bytes.
				metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
				return n, &ImageDownloadError{ImageID: imageID, Attempts: attempt, Err: err}
			}
			log.WithComponent("imageservice").Warn().
				Err(err).
				Str("image", imageID).
				Int("attempt", attempt).
				Msg("Image data transfer interrupted, retrying")
			continue
		}

		metrics.ImageDownloadsTotal.WithLabelValues("success").Inc()
		return n, nil
	}

	metrics.ImageDownloadsTotal.WithLabelValues("error").Inc()
	return 0, &ImageDownloadError{ImageID: imageID, Attempts: attempts, Err: lastErr}
}

// SwiftTempURL returns a signed temporary URL for an object in the
// configured container. URLs are cached until shortly before expiry.
func (s *Service) SwiftTempURL(object string) (string, error) {
	if s.cfg.SwiftTempURLKey == "" {
		return "", fmt.Errorf("swift temp URLs are not configured: swift_temp_url_key is empty")
	}

	if url, ok := s.tempURLs.get(object); ok {
		return url, nil
	}

	client, err := s.ensureClient()
	if err != nil {
		return "", err
	}

	ttl := int(s.cfg.SwiftTempURLDuration / time.Second)
	url, err := client.createTempURL(s.cfg.SwiftContainer, object, ttl)
	if err != nil {
		return "", fmt.Errorf("failed to create temp URL for %s: %w", object, err)
	}

	s.tempURLs.put(object, url)
	return url, nil
}

func translateError(imageID string, err error) error {
	var notFound gophercloud.ErrDefault404
	if errors.As(err, &notFound) {
		return &ImageNotFoundError{ImageID: imageID}
	}
	var unauthorized gophercloud.ErrDefault401
	if errors.As(err, &unauthorized) {
		return &ImageUnauthorizedError{ImageID: imageID}
	}
	var forbidden gophercloud.ErrDefault403
	if errors.As(err, &forbidden) {
		return &ImageUnauthorizedError{ImageID: imageID}
	}
	return err
}

// openstackAPI is the production implementation backed by gophercloud.
type openstackAPI struct {
	image      *gophercloud.ServiceClient
	swift      *gophercloud.ServiceClient
	tempURLKey string
}

func (a *openstackAPI) getImage(id string) (*images.Image, error) {
	return images.Get(a.image, id).Extract()
}

func (a *openstackAPI) downloadImage(id string) (io.ReadCloser, error) {
	return imagedata.Download(a.image, id).Extract()
}

func (a *openstackAPI) createTempURL(container, object string, ttl int) (string, error) {
	if a.swift == nil {
		return "", fmt.Errorf("object storage client is not configured")
	}
	return objects.CreateTempURL(a.swift, container, object, objects.CreateTempURLOpts{
		Method:     objects.GET,
		TTL:        ttl,
		TempURLKey: a.tempURLKey,
	})
}
