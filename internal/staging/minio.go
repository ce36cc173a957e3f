package staging

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"

	"github.com/ledgerline/receipts-cli/internal/config"
	"github.com/ledgerline/receipts-cli/internal/model"
)

const (
	pendingPrefix   = "pending/"
	processedPrefix = "processed/"
)

// objectAPI is the slice of the minio client the store uses, narrowed so
// tests can substitute an in-memory fake. GetObject returns io.ReadCloser
// because minio surfaces missing-key errors lazily on Read.
type objectAPI interface {
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// minioAPI adapts *minio.Client to objectAPI.
type minioAPI struct {
	c *minio.Client
}

func (a minioAPI) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return a.c.ListObjects(ctx, bucket, opts)
}

func (a minioAPI) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return a.c.GetObject(ctx, bucket, key, opts)
}

func (a minioAPI) StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return a.c.StatObject(ctx, bucket, key, opts)
}

func (a minioAPI) CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error) {
	return a.c.CopyObject(ctx, dst, src)
}

func (a minioAPI) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	return a.c.RemoveObject(ctx, bucket, key, opts)
}

func (a minioAPI) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return a.c.PutObject(ctx, bucket, key, r, size, opts)
}

// MinioStore implements Store on one object-store bucket using pending/
// and processed/ key prefixes. A move is server-side copy plus delete;
// the copy target existing already makes a retried move converge instead
// of erroring.
type MinioStore struct {
	client objectAPI
	bucket string
}

// NewMinio connects to the object store and ensures the bucket exists.
func NewMinio(cfg config.StagingConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "staging: minio client")
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, eris.Wrapf(err, "staging: check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, eris.Wrapf(err, "staging: create bucket %s", cfg.Bucket)
		}
	}

	return &MinioStore{client: minioAPI{c: client}, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) ListPending(ctx context.Context, limit int) ([]model.StagedFile, error) {
	var files []model.StagedFile
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    pendingPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, eris.Wrap(obj.Err, "staging: list pending")
		}
		name := strings.TrimPrefix(obj.Key, pendingPrefix)
		if name == "" {
			continue
		}
		files = append(files, model.StagedFile{
			ID:        name,
			Name:      name,
			MimeType:  mimeTypeFor(name),
			Size:      obj.Size,
			Location:  model.LocationPending,
			CreatedAt: obj.LastModified,
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].CreatedAt.Equal(files[j].CreatedAt) {
			return files[i].Name < files[j].Name
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})

	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}

func (s *MinioStore) Fetch(ctx context.Context, id string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, pendingPrefix+id, minio.GetObjectOptions{})
	if err != nil {
		return nil, eris.Wrapf(err, "staging: fetch %s", id)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, eris.Wrapf(ErrNotFound, "fetch %s", id)
		}
		return nil, eris.Wrapf(err, "staging: read %s", id)
	}
	return data, nil
}

func (s *MinioStore) MoveToProcessed(ctx context.Context, id string) error {
	src := pendingPrefix + id
	dst := processedPrefix + id

	if _, err := s.client.StatObject(ctx, s.bucket, src, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return eris.Wrapf(err, "staging: stat pending %s", id)
		}
		// Source gone: converged if a previous run already copied it.
		if _, statErr := s.client.StatObject(ctx, s.bucket, dst, minio.StatObjectOptions{}); statErr == nil {
			return nil
		}
		return eris.Wrapf(ErrNotFound, "move %s", id)
	}

	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src},
	)
	if err != nil {
		return eris.Wrapf(err, "staging: copy %s to processed", id)
	}

	if err := s.client.RemoveObject(ctx, s.bucket, src, minio.RemoveObjectOptions{}); err != nil {
		return eris.Wrapf(err, "staging: remove pending %s", id)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, name, mimeType string, r io.Reader, size int64) (model.StagedFile, error) {
	target := name
	if _, err := s.client.StatObject(ctx, s.bucket, pendingPrefix+target, minio.StatObjectOptions{}); err == nil {
		target = uuid.NewString()[:8] + "_" + name
	}

	// Buffer so the size is known even for streamed multipart bodies.
	var buf bytes.Buffer
	written, err := io.Copy(&buf, r)
	if err != nil {
		return model.StagedFile{}, eris.Wrapf(err, "staging: read upload %s", name)
	}

	info, err := s.client.PutObject(ctx, s.bucket, pendingPrefix+target, &buf, written, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return model.StagedFile{}, eris.Wrapf(err, "staging: put %s", target)
	}

	return model.StagedFile{
		ID:        target,
		Name:      target,
		MimeType:  mimeType,
		Size:      info.Size,
		Location:  model.LocationPending,
		CreatedAt: info.LastModified,
	}, nil
}
