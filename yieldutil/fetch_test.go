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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spatialmodel/yieldchange"
	"gocloud.dev/blob"
)

func testFetcher(t *testing.T) *fetcher {
	log, _ := test.NewNullLogger()
	f := newFetcher(log)
	f.backoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
	}
	t.Cleanup(func() { f.cleanup() })
	return f
}

func TestExpandShp(t *testing.T) {
	want := []string{"a/b.shp", "a/b.dbf", "a/b.shx", "a/b.prj"}
	if diff := cmp.Diff(want, expandShp("a/b.shp")); diff != "" {
		t.Errorf("(-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a/b.nc"}, expandShp("a/b.nc")); diff != "" {
		t.Errorf("(-want +have):\n%s", diff)
	}
}

func TestSplitBlobURL(t *testing.T) {
	tests := []struct {
		path, bucket, key string
	}{
		{path: "gs://yields/runs/a.nc", bucket: "gs://yields", key: "runs/a.nc"},
		{path: "s3://yields/a.nc", bucket: "s3://yields", key: "a.nc"},
		{path: "file:///data/in/a.nc", bucket: "file:///data/in", key: "a.nc"},
		{path: "file://in/a.nc", bucket: "file://in", key: "a.nc"},
	}
	for _, test := range tests {
		bucket, key, err := splitBlobURL(test.path)
		if err != nil {
			t.Fatal(err)
		}
		if bucket != test.bucket || key != test.key {
			t.Errorf("%s: have %s, %s; want %s, %s", test.path, bucket, key, test.bucket, test.key)
		}
	}
}

func TestFetchLocal(t *testing.T) {
	f := testFetcher(t)
	t.Setenv("YIELD_DATA", "/data")
	for path, want := range map[string]string{
		"/dev/null":              "/dev/null",
		"/blah/test/":            "/blah/test/",
		"$YIELD_DATA/control.nc": "/data/control.nc",
		"${YIELD_DATA}/grass.nc": "/data/grass.nc",
	} {
		have, err := f.fetch(context.Background(), path)
		if err != nil {
			t.Fatal(err)
		}
		if have != want {
			t.Errorf("%s: have %s, want %s", path, have, want)
		}
	}
	if f.dir != "" {
		t.Error("local files should not be downloaded")
	}
}

func TestFetchHTTP(t *testing.T) {
	files := writeTestFiles(t)
	c, err := yieldchange.LoadCountries(files.countries, yieldchange.CountryOptions{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteShp(filepath.Join(files.dir, "countries.shp")); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.FileServer(http.Dir(files.dir)))
	defer srv.Close()

	t.Run("shapefile", func(t *testing.T) {
		f := testFetcher(t)
		local, err := f.fetch(context.Background(), srv.URL+"/countries.shp")
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(local, "countries.shp") {
			t.Errorf("have %s; want tempDir/countries.shp", local)
		}
		for _, ext := range []string{".dbf", ".shx"} {
			if _, err := os.Stat(strings.TrimSuffix(local, ".shp") + ext); err != nil {
				t.Error(err)
			}
		}
		c2, err := yieldchange.LoadCountries(local, yieldchange.CountryOptions{}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(c.Names(), c2.Names()); diff != "" {
			t.Errorf("(-want +have):\n%s", diff)
		}
		again, err := f.fetch(context.Background(), srv.URL+"/countries.shp")
		if err != nil || again != local {
			t.Errorf("second fetch: have %s, %v; want %s", again, err, local)
		}
	})

	t.Run("not found", func(t *testing.T) {
		f := testFetcher(t)
		f.backoff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Hour) }
		if _, err := f.fetch(context.Background(), srv.URL+"/missing.nc"); err == nil || !strings.Contains(err.Error(), "404") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("retry", func(t *testing.T) {
		var requests int32
		flaky := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&requests, 1) <= 2 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			http.ServeFile(w, r, files.ctrlCrop)
		}))
		defer flaky.Close()
		f := testFetcher(t)
		local, err := f.fetch(context.Background(), flaky.URL+"/ctrl_crop.nc")
		if err != nil {
			t.Fatal(err)
		}
		if n := atomic.LoadInt32(&requests); n != 3 {
			t.Errorf("%d requests; want 3", n)
		}
		want, _ := os.ReadFile(files.ctrlCrop)
		have, _ := os.ReadFile(local)
		if len(want) == 0 || string(want) != string(have) {
			t.Error("downloaded file differs from the original")
		}
	})
}

func TestFetchBlob(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	bucket, err := OpenBucket(ctx, "file://"+dir)
	if err != nil {
		t.Fatal(err)
	}
	w, err := bucket.NewWriter(ctx, "control.nc", &blob.WriterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("yields")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	f := testFetcher(t)
	local, err := f.fetch(ctx, "file://"+dir+"/control.nc")
	if err != nil {
		t.Fatal(err)
	}
	if local == filepath.Join(dir, "control.nc") {
		t.Error("blob was not copied")
	}
	b, err := os.ReadFile(local)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "yields" {
		t.Errorf("have %q", b)
	}

	if _, err := f.fetch(ctx, "file://"+dir+"/missing.nc"); err == nil {
		t.Error("expected an error for a missing blob")
	}
	if _, err := OpenBucket(ctx, "ftp://yields"); err == nil {
		t.Error("expected an error for an unknown provider")
	}
	for _, path := range []string{"ftp://yields/control.nc", "gcs://yields/control.nc"} {
		if _, err := f.fetch(ctx, path); err == nil || !strings.Contains(err.Error(), "invalid storage provider") {
			t.Errorf("%s: err = %v", path, err)
		}
	}
}

func TestCheckLocation(t *testing.T) {
	for path, ok := range map[string]bool{
		"data/in/control.nc":       true,
		"/data/in/control.nc":      true,
		"https://example.com/a.nc": true,
		"gs://yields/a.nc":         true,
		"s3://yields/a.nc":         true,
		"file:///data/a.nc":        true,
		"ftp://yields/a.nc":        false,
		"gcs://yields/a.nc":        false,
		"S3://yields/a.nc":         false,
	} {
		if err := checkLocation(path); (err == nil) != ok {
			t.Errorf("%s: err = %v", path, err)
		}
	}
}
