package imageservice

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrumproject/ferrum/pkg/config"
)

type fakeAPI struct {
	image       *images.Image
	getErr      error
	data        string
	downloadErr []error
	bodies      []io.ReadCloser
	downloads   int
	tempURL     string
	tempURLErr  error
	signCalls   int
}

func (f *fakeAPI) getImage(id string) (*images.Image, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.image, nil
}

func (f *fakeAPI) downloadImage(id string) (io.ReadCloser, error) {
	f.downloads++
	if len(f.downloadErr) > 0 {
		err := f.downloadErr[0]
		f.downloadErr = f.downloadErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.bodies) > 0 {
		rc := f.bodies[0]
		f.bodies = f.bodies[1:]
		return rc, nil
	}
	return io.NopCloser(strings.NewReader(f.data)), nil
}

func (f *fakeAPI) createTempURL(container, object string, ttl int) (string, error) {
	f.signCalls++
	if f.tempURLErr != nil {
		return "", f.tempURLErr
	}
	return f.tempURL, nil
}

func newTestService(api api) *Service {
	s := New(config.ImageConfig{
		AuthURL:              "http://keystone:5000/v3",
		SwiftTempURLKey:      "secret",
		SwiftContainer:       "images",
		SwiftTempURLDuration: 20 * time.Minute,
		DownloadRetries:      2,
	})
	s.client = api
	return s
}

func TestShow(t *testing.T) {
	api := &fakeAPI{
		image: &images.Image{
			ID:         "img-1",
			Name:       "ubuntu",
			Status:     images.ImageStatusActive,
			SizeBytes:  1024,
			Checksum:   "abc",
			DiskFormat: "qcow2",
		},
	}
	svc := newTestService(api)

	img, err := svc.Show(context.Background(), "img-1")
	require.NoError(t, err)
	assert.Equal(t, "img-1", img.ID)
	assert.Equal(t, "ubuntu", img.Name)
	assert.Equal(t, "active", img.Status)
	assert.Equal(t, int64(1024), img.SizeBytes)
}

func TestShowNotFound(t *testing.T) {
	svc := newTestService(&fakeAPI{getErr: gophercloud.ErrDefault404{}})

	_, err := svc.Show(context.Background(), "missing")
	require.Error(t, err)

	var notFound *ImageNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ImageID)
}

func TestShowUnauthorized(t *testing.T) {
	svc := newTestService(&fakeAPI{getErr: gophercloud.ErrDefault403{}})

	_, err := svc.Show(context.Background(), "img-1")
	var unauthorized *ImageUnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
}

func TestDownload(t *testing.T) {
	api := &fakeAPI{data: "image-bytes"}
	svc := newTestService(api)

	var buf bytes.Buffer
	n, err := svc.Download(context.Background(), "img-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len("image-bytes")), n)
	assert.Equal(t, "image-bytes", buf.String())
	assert.Equal(t, 1, api.downloads)
}

func TestDownloadRetriesTransientErrors(t *testing.T) {
	api := &fakeAPI{
		data:        "payload",
		downloadErr: []error{errors.New("connection reset"), errors.New("timeout")},
	}
	svc := newTestService(api)

	var buf bytes.Buffer
	_, err := svc.Download(context.Background(), "img-1", &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, api.downloads)
	assert.Equal(t, "payload", buf.String())
}

func TestDownloadAbortsAfterPartialWrite(t *testing.T) {
	api := &fakeAPI{
		data: "full-payload",
		bodies: []io.ReadCloser{io.NopCloser(io.MultiReader(
			strings.NewReader("first-half"),
			iotest.ErrReader(errors.New("connection reset")),
		))},
	}
	svc := newTestService(api)

	var buf bytes.Buffer
	n, err := svc.Download(context.Background(), "img-1", &buf)

	var dlErr *ImageDownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, int64(len("first-half")), n)
	assert.Equal(t, "first-half", buf.String(),
		"a broken stream must not be replayed into the writer")
	assert.Equal(t, 1, api.downloads)
}

func TestDownloadWaitsBetweenAttempts(t *testing.T) {
	api := &fakeAPI{
		data:        "payload",
		downloadErr: []error{errors.New("connection reset")},
	}
	svc := newTestService(api)
	svc.cfg.DownloadRetryInterval = 20 * time.Millisecond

	start := time.Now()
	var buf bytes.Buffer
	_, err := svc.Download(context.Background(), "img-1", &buf)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, 2, api.downloads)
}

func TestDownloadExhaustsRetries(t *testing.T) {
	api := &fakeAPI{
		downloadErr: []error{
			errors.New("boom"),
			errors.New("boom"),
			errors.New("boom"),
		},
	}
	svc := newTestService(api)

	var buf bytes.Buffer
	_, err := svc.Download(context.Background(), "img-1", &buf)
	require.Error(t, err)

	var dlErr *ImageDownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, 3, dlErr.Attempts)
	assert.Equal(t, 3, api.downloads)
}

func TestDownloadDoesNotRetryNotFound(t *testing.T) {
	api := &fakeAPI{
		downloadErr: []error{gophercloud.ErrDefault404{}},
	}
	svc := newTestService(api)

	var buf bytes.Buffer
	_, err := svc.Download(context.Background(), "missing", &buf)
	var notFound *ImageNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, 1, api.downloads)
}

func TestSwiftTempURLCached(t *testing.T) {
	api := &fakeAPI{tempURL: "https://swift/v1/images/kernel?temp_url_sig=x"}
	svc := newTestService(api)

	url1, err := svc.SwiftTempURL("kernel")
	require.NoError(t, err)
	url2, err := svc.SwiftTempURL("kernel")
	require.NoError(t, err)

	assert.Equal(t, url1, url2)
	assert.Equal(t, 1, api.signCalls)
}

func TestSwiftTempURLRequiresKey(t *testing.T) {
	s := New(config.ImageConfig{AuthURL: "http://keystone:5000/v3"})
	_, err := s.SwiftTempURL("kernel")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swift_temp_url_key")
}

func TestTempURLCacheExpiry(t *testing.T) {
	cache := newTempURLCache(time.Minute)
	cache.put("obj", "url")

	// Entry was stored with a sub-minute expiry because the TTL is at
	// the margin boundary.
	got, ok := cache.get("obj")
	assert.True(t, ok)
	assert.Equal(t, "url", got)

	cache.entries["obj"] = tempURLEntry{url: "url", expiresAt: time.Now().Add(-time.Second)}
	_, ok = cache.get("obj")
	assert.False(t, ok)
}
