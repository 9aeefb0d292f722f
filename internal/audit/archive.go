// Copyright 2026 The switchAILocal Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package audit

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/kilorouter/internal/util"
)

const segmentExt = ".jsonl.zst"

// Mirror uploads finished archive segments to remote storage.
type Mirror interface {
	Upload(ctx context.Context, name, path string) error
}

// Archive is the cold tier: zstd-compressed JSONL segments in a local
// directory, optionally mirrored to object storage.
type Archive struct {
	dir    string
	sb     *util.StateBox
	mirror Mirror
}

// NewArchive creates an archive writing to dir. mirror may be nil.
func NewArchive(sb *util.StateBox, dir string, mirror Mirror) *Archive {
	return &Archive{dir: dir, sb: sb, mirror: mirror}
}

// Dir returns the segment directory.
func (a *Archive) Dir() string { return a.dir }

// WriteSegment writes records to a new segment and returns its path. The
// segment is written to a temp file and renamed into place.
func (a *Archive) WriteSegment(ctx context.Context, records []DecisionRecord) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	if a.sb != nil && a.sb.IsReadOnly() {
		return "", util.ErrReadOnlyMode
	}
	if err := os.MkdirAll(a.dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	first, last := records[0], records[len(records)-1]
	name := fmt.Sprintf("decisions-%s-%s%s",
		first.CreatedAt.UTC().Format("20060102T150405"), strings.TrimPrefix(last.ID, "DEC-"), segmentExt)
	path := filepath.Join(a.dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("failed to create segment: %w", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	w := json.NewEncoder(enc)
	for i := range records {
		if err := w.Encode(records[i]); err != nil {
			enc.Close()
			f.Close()
			os.Remove(tmp)
			return "", fmt.Errorf("failed to encode decision %s: %w", records[i].ID, err)
		}
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to flush segment: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("failed to fsync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize segment: %w", err)
	}

	if a.mirror != nil {
		if err := a.mirror.Upload(ctx, name, path); err != nil {
			log.Warnf("Failed to mirror archive segment %s: %v", name, err)
		}
	}
	return path, nil
}

// Segments lists the segment files, oldest first.
func (a *Archive) Segments() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segmentExt) {
			out = append(out, filepath.Join(a.dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// ReadSegment decodes every record of the segment at path.
func ReadSegment(path string) ([]DecisionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer dec.Close()

	var out []DecisionRecord
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec DecisionRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return out, fmt.Errorf("segment %s: %w", path, err)
		}
		out = append(out, rec)
	}
	return out, scanner.Err()
}

// Contains reports whether any segment holds id. It scans every segment.
func (a *Archive) Contains(id string) (bool, error) {
	segments, err := a.Segments()
	if err != nil {
		return false, err
	}
	for _, seg := range segments {
		recs, err := ReadSegment(seg)
		if err != nil {
			return false, err
		}
		for i := range recs {
			if recs[i].ID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

// MirrorConfig locates the S3-compatible bucket for archive mirroring.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	UseSSL    bool   `yaml:"use-ssl" json:"use_ssl"`
}

// ObjectMirror uploads segments to an S3-compatible bucket with minio-go.
type ObjectMirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewObjectMirror connects to the endpoint and creates the bucket if needed.
func NewObjectMirror(ctx context.Context, cfg MirrorConfig) (*ObjectMirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("archive mirror requires endpoint and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		log.Infof("Created archive bucket %s", cfg.Bucket)
	}
	return &ObjectMirror{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

// Upload implements Mirror.
func (m *ObjectMirror) Upload(ctx context.Context, name, path string) error {
	object := name
	if m.prefix != "" {
		object = m.prefix + "/" + name
	}
	info, err := m.client.FPutObject(ctx, m.bucket, object, path, minio.PutObjectOptions{
		ContentType:     "application/x-ndjson",
		ContentEncoding: "zstd",
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", object, err)
	}
	log.Debugf("Mirrored archive segment %s (%d bytes)", object, info.Size)
	return nil
}
