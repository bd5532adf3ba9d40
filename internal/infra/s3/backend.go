// Package s3 uploads local files and directories to an S3 compatible bucket.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"mirrorq/internal/backend"
	"mirrorq/internal/config"
	"mirrorq/internal/domain"
	"mirrorq/internal/ports"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// Putter is the one S3 call the backend needs.
type Putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewClient builds a client from static credentials. A custom endpoint
// targets S3 compatible stores, which usually want path style addressing.
func NewClient(cfg config.S3) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.PathStyle,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("s3 client ready")
	return s3.New(opts)
}

type Backend struct {
	api    Putter
	bucket string
	jobs   *backend.Jobs
}

var _ ports.Backend = (*Backend)(nil)

func New(api Putter, bucket string) *Backend {
	return &Backend{api: api, bucket: bucket, jobs: backend.NewJobs()}
}

func (b *Backend) Kind() domain.BackendKind { return domain.BackendS3 }

// Start uploads the file or directory at the task's source path. The
// task's destination is used as key prefix.
func (b *Backend) Start(ctx context.Context, t domain.Task, rep ports.Reporter) error {
	src := t.SourceLink
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("s3 source: %w", err)
	}
	prefix := strings.Trim(t.Destination, "/")
	return b.jobs.Go(ctx, t, rep, func(ctx context.Context, m *backend.Meter) (string, error) {
		m.SetName(filepath.Base(src))
		key, err := b.upload(ctx, src, prefix, m)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("s3://%s/%s", b.bucket, key), nil
	})
}

func (b *Backend) Cancel(_ context.Context, t domain.Task) error { return b.jobs.Cancel(t.ID) }

func (b *Backend) Status(_ context.Context, t domain.Task) (domain.Progress, error) {
	return b.jobs.Progress(t.ID)
}

// upload returns the key of a single file or the common prefix of a tree.
func (b *Backend) upload(ctx context.Context, src, prefix string, m *backend.Meter) (string, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	root := path.Join(prefix, filepath.Base(src))
	if !fi.IsDir() {
		m.AddTotal(fi.Size())
		return root, b.put(ctx, src, root, m)
	}

	var files []string
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, p)
			if info, err := d.Info(); err == nil {
				m.AddTotal(info.Size())
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", errors.New("nothing to upload: directory is empty")
	}
	for _, p := range files {
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return "", err
		}
		if err := b.put(ctx, p, path.Join(root, filepath.ToSlash(rel)), m); err != nil {
			return "", err
		}
	}
	return root + "/", nil
}

func (b *Backend) put(ctx context.Context, file, key string, m *backend.Meter) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}

	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(fi.Size()),
	}
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		in.ContentType = aws.String(ct)
	}
	if _, err := b.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	m.Add(fi.Size())
	log.Debug().Str("key", key).Int64("size", fi.Size()).Msg("object uploaded")
	return nil
}
