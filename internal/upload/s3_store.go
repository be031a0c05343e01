package upload

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"scanflow/internal/logging"
)

// S3Store implements ChunkStore on an S3 bucket. Chunk objects live under
// uploads/{session}/chunk-{index}; sessions are deleted by prefix.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	logger   logging.Logger
}

// NewS3Store creates an S3-backed chunk store.
func NewS3Store(client *s3.Client, bucket string, logger logging.Logger) *S3Store {
	return &S3Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		logger:   logging.OrNop(logger),
	}
}

func (s *S3Store) chunkKey(sessionID string, index int) string {
	return fmt.Sprintf("uploads/%s/chunk-%05d", sessionID, index)
}

func (s *S3Store) sessionPrefix(sessionID string) string {
	return fmt.Sprintf("uploads/%s/", sessionID)
}

// Put streams the chunk to S3 via the upload manager, which handles
// multipart for bodies of unknown length.
func (s *S3Store) Put(ctx context.Context, sessionID string, index int, r io.Reader) (int64, error) {
	counting := &countingReader{r: r}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(sessionID, index)),
		Body:   counting,
	})
	if err != nil {
		return 0, &StorageError{Op: "put", Err: fmt.Errorf("upload chunk to s3: %w", err)}
	}
	return counting.n, nil
}

func (s *S3Store) Open(ctx context.Context, sessionID string, index int) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.chunkKey(sessionID, index)),
	})
	if err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("get chunk from s3: %w", err)}
	}
	return out.Body, nil
}

// Delete removes every object under the session prefix, paging through the
// listing and issuing batched deletes.
func (s *S3Store) Delete(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	prefix := s.sessionPrefix(sessionID)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return &StorageError{Op: "delete", Err: fmt.Errorf("list chunks: %w", err)}
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return &StorageError{Op: "delete", Err: fmt.Errorf("delete chunks: %w", err)}
		}
	}

	s.logger.Debug("Deleted chunk prefix %s", prefix)
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
