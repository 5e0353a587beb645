/*
Copyright © 2024 the yieldchange authors.
This file is part of yieldchange.

yieldchange is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

yieldchange is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with yieldchange.  If not, see <http://www.gnu.org/licenses/>.
*/

package yieldutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
)

// IsBlob returns whether the given filename represents a blob.
// (i.e., if it starts with `gs://`, 's3://', or 'file://').
func IsBlob(path string) bool {
	return strings.HasPrefix(path, "gs://") || strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "file://")
}

// checkLocation returns an error if path is a URL whose scheme is
// neither http(s) nor a supported storage provider.
func checkLocation(path string) error {
	i := strings.Index(path, "://")
	if i < 0 {
		return nil
	}
	switch scheme := path[:i]; scheme {
	case "http", "https", "gs", "s3", "file":
		return nil
	default:
		return fmt.Errorf("yieldutil: invalid storage provider %q in %s", scheme, path)
	}
}

func isHTTP(path string) bool {
	return strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")
}

// splitBlobURL returns the bucket and key of a blob URL. For the "file"
// provider the bucket is the local directory holding the key, so
// "file:///data/in/a.nc" is key "a.nc" in bucket "file:///data/in".
func splitBlobURL(path string) (bucket, key string, err error) {
	u, err := url.Parse(path)
	if err != nil {
		return "", "", fmt.Errorf("yieldutil: parsing blob URL: %v", err)
	}
	if u.Scheme == "file" {
		full := u.Host + u.Path
		return "file://" + filepath.Dir(full), filepath.Base(full), nil
	}
	return u.Scheme + "://" + u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// OpenBucket returns the blob storage bucket specified by bucketName,
// where bucketName must be in the format 'provider://name' where provider
// is the name of the storage provider and name is the name of the bucket.
// The currently accepted storage providers are "file" for a directory
// on the local filesystem (e.g., for testing), "gs" for Google Cloud
// Storage, and "s3" for AWS S3.
func OpenBucket(ctx context.Context, bucketName string) (*blob.Bucket, error) {
	u, err := url.Parse(bucketName)
	if err != nil {
		return nil, fmt.Errorf("yieldutil: opening bucket: %v", err)
	}
	switch u.Scheme {
	case "file":
		return fileblob.OpenBucket(u.Host+u.Path, nil)
	case "gs":
		return gsBucket(ctx, u.Host)
	case "s3":
		return s3Bucket(ctx, u.Host)
	default:
		return nil, fmt.Errorf("yieldutil: invalid storage provider %s", u.Scheme)
	}
}

func gsBucket(ctx context.Context, name string) (*blob.Bucket, error) {
	// See here for information on credentials:
	// https://cloud.google.com/docs/authentication/getting-started
	creds, err := gcp.DefaultCredentials(ctx)
	if err != nil {
		return nil, err
	}
	c, err := gcp.NewHTTPClient(gcp.DefaultTransport(), gcp.CredentialsTokenSource(creds))
	if err != nil {
		return nil, err
	}
	return gcsblob.OpenBucket(ctx, c, name, nil)
}

// s3Bucket opens an s3 storage bucket. Credentials are read from the
// AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables,
// and the region from AWS_REGION.
func s3Bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-2"
	}
	c := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewEnvCredentials(),
	}
	s, err := session.NewSession(c)
	if err != nil {
		return nil, err
	}
	return s3blob.OpenBucket(ctx, s, name, nil)
}

// expandShp returns the given file + associated [.dbf, .shx, .prj]
// files if the given file has the .shp extension, and returns the given
// file otherwise.
func expandShp(filename string) []string {
	o := []string{filename}
	if filepath.Ext(filename) != ".shp" {
		return o
	}
	for _, newExt := range []string{".dbf", ".shx", ".prj"} {
		o = append(o, strings.TrimSuffix(filename, ".shp")+newExt)
	}
	return o
}

// fetcher copies remote input files to a local temporary directory.
type fetcher struct {
	log logrus.FieldLogger

	// backoff returns the retry policy for HTTP downloads.
	backoff func() backoff.BackOff

	client *http.Client

	dir   string
	cache map[string]string
}

func newFetcher(log logrus.FieldLogger) *fetcher {
	return &fetcher{
		log: log,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
		client: http.DefaultClient,
		cache:  make(map[string]string),
	}
}

// fetch returns a local path for the given input path. Environment
// variables in the path are expanded. Local paths are returned as is;
// http(s) and blob URLs are downloaded, along with the ".dbf", ".shx"
// and ".prj" files of shapefiles.
func (f *fetcher) fetch(ctx context.Context, path string) (string, error) {
	path = os.ExpandEnv(path)
	if err := checkLocation(path); err != nil {
		return "", err
	}
	if !isHTTP(path) && !IsBlob(path) {
		return path, nil
	}
	if local, ok := f.cache[path]; ok {
		return local, nil
	}
	if f.dir == "" {
		dir, err := os.MkdirTemp("", "yieldchange")
		if err != nil {
			return "", fmt.Errorf("yieldutil: creating download directory: %v", err)
		}
		f.dir = dir
	}
	// Each download goes in its own directory so that files with
	// the same name from different locations do not collide.
	dir, err := os.MkdirTemp(f.dir, "")
	if err != nil {
		return "", fmt.Errorf("yieldutil: creating download directory: %v", err)
	}
	log := f.log.WithField("url", path)
	log.Info("downloading input")
	for i, src := range expandShp(path) {
		dst := filepath.Join(dir, filepath.Base(src))
		if isHTTP(src) {
			err = f.downloadHTTP(ctx, src, dst)
		} else {
			err = f.downloadBlob(ctx, src, dst)
		}
		if err != nil {
			if i > 0 && strings.HasSuffix(src, ".prj") {
				// Shapefiles without a projection are assumed to be
				// in EPSG:4326.
				log.Warnf("no projection file: %v", err)
				continue
			}
			return "", err
		}
	}
	local := filepath.Join(dir, filepath.Base(path))
	f.cache[path] = local
	return local, nil
}

// downloadHTTP downloads a file, retrying server errors and network
// failures.
func (f *fetcher) downloadHTTP(ctx context.Context, src, dst string) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("yieldutil: downloading %s: %s", src, resp.Status)
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		w, err := os.Create(dst)
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	}
	return backoff.RetryNotify(op, backoff.WithContext(f.backoff(), ctx),
		func(err error, d time.Duration) {
			f.log.WithField("url", src).Warnf("%v: retrying in %v", err, d)
		})
}

// downloadBlob copies a file from blob storage.
func (f *fetcher) downloadBlob(ctx context.Context, src, dst string) error {
	bucketName, key, err := splitBlobURL(src)
	if err != nil {
		return err
	}
	bucket, err := OpenBucket(ctx, bucketName)
	if err != nil {
		return err
	}
	r, err := bucket.NewReader(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("yieldutil: reading blob %s: %v", src, err)
	}
	defer r.Close()
	w, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("yieldutil: reading blob %s: %v", src, err)
	}
	return w.Close()
}

// cleanup removes the downloaded files.
func (f *fetcher) cleanup() error {
	if f.dir == "" {
		return nil
	}
	return os.RemoveAll(f.dir)
}
