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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/spatialmodel/yieldchange"
	"gocloud.dev/blob"
)

// outputSink writes output files to a local directory or to blob
// storage and keeps track of the files it has written.
type outputSink struct {
	dest string

	// bucket and prefix are set for blob storage destinations.
	bucket *blob.Bucket
	prefix string

	mx      sync.Mutex
	written []string
}

// openSink returns a sink writing to dest, which is either a local
// directory or a blob storage URL such as "gs://bucket/results".
func openSink(ctx context.Context, dest string) (*outputSink, error) {
	dest = os.ExpandEnv(dest)
	if err := checkLocation(dest); err != nil {
		return nil, err
	}
	if isHTTP(dest) {
		return nil, fmt.Errorf("yieldutil: cannot write output to %s", dest)
	}
	s := &outputSink{dest: dest}
	if !IsBlob(dest) {
		if err := os.MkdirAll(dest, 0755); err != nil {
			return nil, fmt.Errorf("yieldutil: creating output directory: %v", err)
		}
		return s, nil
	}
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("yieldutil: parsing output location: %v", err)
	}
	bucketName := u.Scheme + "://" + u.Host
	s.prefix = u.Path
	if u.Scheme == "file" {
		// The whole path is the local directory.
		if err := os.MkdirAll(u.Host+u.Path, 0755); err != nil {
			return nil, fmt.Errorf("yieldutil: creating output directory: %v", err)
		}
		bucketName = dest
		s.prefix = ""
	}
	s.bucket, err = OpenBucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("yieldutil: opening output location: %v", err)
	}
	return s, nil
}

// WriteTable implements yieldchange.Sink.
func (s *outputSink) WriteTable(ctx context.Context, name string, t *yieldchange.Table) error {
	if s.bucket == nil {
		if err := yieldchange.DirSink(s.dest).WriteTable(ctx, name, t); err != nil {
			return err
		}
		s.add(name)
		return nil
	}
	var b bytes.Buffer
	if err := t.WriteCSV(&b); err != nil {
		return err
	}
	return s.WriteFile(ctx, name, b.Bytes())
}

// WriteFile writes a file to the sink.
func (s *outputSink) WriteFile(ctx context.Context, name string, data []byte) error {
	if s.bucket == nil {
		if err := os.WriteFile(filepath.Join(s.dest, name), data, 0644); err != nil {
			return fmt.Errorf("yieldutil: writing %s: %v", name, err)
		}
		s.add(name)
		return nil
	}
	key := path.Join(s.prefix, name)
	if len(key) > 0 && key[0] == '/' {
		key = key[1:]
	}
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return fmt.Errorf("yieldutil: creating writer for blob %s: %v", key, err)
	}
	if _, err = io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return fmt.Errorf("yieldutil: copying blob %s: %v", key, err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("yieldutil: writing blob %s: %v", key, err)
	}
	s.add(name)
	return nil
}

func (s *outputSink) add(name string) {
	s.mx.Lock()
	s.written = append(s.written, name)
	s.mx.Unlock()
}

// Written returns the names of the files written so far.
func (s *outputSink) Written() []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]string(nil), s.written...)
}
