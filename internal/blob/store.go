package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jarrod-lowe/jmap-service-libs/tracing"
	"github.com/mailstore/jmapcore/internal/store"
	otrace "go.opentelemetry.io/otel/trace"
)

// S3API is the subset of the S3 client the blob Store needs, following
// the teacher's narrow-interface-for-testability convention (the same
// shape as HTTPDoer in client.go).
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

const (
	linkCollection   = store.Collection(250) // reserved collection id for blob linkage rows, outside the JMAP object collections
	accessTagName    = "access"
	ephemeralTagName = "ephemeral"
)

// Store is the content-addressed, server-side blob store: bytes live in
// S3 keyed by their SHA-256 hash, and access/ephemeral-link bookkeeping
// lives in the shared column-family store (C3) instead of a bespoke ACL
// table, so put/link/access-check all share one transactional substrate
// with the rest of the module.
type Store struct {
	s3     S3API
	bucket string
	docs   *store.Store
}

// NewStore returns a blob Store backed by the given S3 bucket and
// document store.
func NewStore(s3Client S3API, bucket string, docs *store.Store) *Store {
	return &Store{s3: s3Client, bucket: bucket, docs: docs}
}

func objectKey(hash string) string {
	return "blobs/" + hash[:2] + "/" + hash
}

// Put stores data as a new owned blob and returns its ID.
func (s *Store) Put(ctx context.Context, data []byte) (ID, error) {
	tracer := tracing.Tracer("jmap-blob-store")
	ctx, span := tracer.Start(ctx, "blob.Put")
	defer span.End()

	sum := sha256.Sum256(data)
	id := ID{Kind: Owned, Hash: sum}

	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id.RootHash())),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		tracing.RecordError(span, err)
		return ID{}, fmt.Errorf("blob: put: %w", err)
	}
	return id, nil
}

// Get returns the full bytes of id.
func (s *Store) Get(ctx context.Context, id ID) ([]byte, error) {
	r, err := s.GetRange(ctx, id, 0, -1)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// GetRange returns a reader over [offset, offset+length) of id's
// underlying blob, composed with id's own range if id is an inner id.
// length < 0 means "to the end".
func (s *Store) GetRange(ctx context.Context, id ID, offset, length int64) (io.ReadCloser, error) {
	tracer := tracing.Tracer("jmap-blob-store")
	ctx, span := tracer.Start(ctx, "blob.GetRange", otrace.WithAttributes(tracing.BlobID(id.String())))
	defer span.End()

	start, end := offset, int64(-1)
	if length >= 0 {
		end = offset + length
	}
	if id.IsInner() {
		start += id.Start
		if end >= 0 {
			end += id.Start
		} else {
			end = id.End
		}
		if end > id.End {
			end = id.End
		}
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id.RootHash())),
	}
	if end >= 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", start, end-1))
	} else if start > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", start))
	}

	out, err := s.s3.GetObject(ctx, input)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrBlobNotFound, err)
	}
	return out.Body, nil
}

// GetManyResult is one entry in a GetMany batch response.
type GetManyResult struct {
	ID   ID
	Data []byte
	Err  error
}

// GetMany fetches several blobs concurrently, the batched-range-read
// operation spec.md's C2 calls for. Each id's own range (if inner) is
// honored; partial failures are reported per-id rather than failing the
// whole batch.
func (s *Store) GetMany(ctx context.Context, ids []ID) []GetManyResult {
	results := make([]GetManyResult, len(ids))
	sem := make(chan struct{}, 8)
	done := make(chan int, len(ids))

	for i, id := range ids {
		sem <- struct{}{}
		go func(i int, id ID) {
			defer func() { <-sem; done <- i }()
			data, err := s.Get(ctx, id)
			results[i] = GetManyResult{ID: id, Data: data, Err: err}
		}(i, id)
	}
	for range ids {
		<-done
	}
	return results
}

// LinkEphemeral promotes a temporary id into a durable link between
// (accountID, documentID) and the blob, the step that turns an uploaded-
// but-not-yet-attached blob into one a document can reference
// permanently. It is idempotent: linking the same (account, document,
// blob) twice is not an error.
func (s *Store) LinkEphemeral(ctx context.Context, accountID string, documentID store.DocumentID, id ID) error {
	return s.docs.AddToTag(ctx, accountID, linkCollection, accessTagName, id.RootHash(), documentID)
}

// Unlink removes the (accountID, documentID) -> blob linkage, called when
// a document referencing the blob is deleted.
func (s *Store) Unlink(ctx context.Context, accountID string, documentID store.DocumentID, id ID) error {
	return s.docs.RemoveFromTag(ctx, accountID, linkCollection, accessTagName, id.RootHash(), documentID)
}

// AccountHasAccess reports whether any document in accountID links to
// id, the policy spec.md's account_has_access check enforces before
// letting a client download a blob by id.
func (s *Store) AccountHasAccess(ctx context.Context, accountID string, id ID) (bool, error) {
	bm, err := s.docs.Tagged(ctx, accountID, linkCollection, accessTagName, id.RootHash())
	if err != nil {
		return false, err
	}
	return !bm.IsEmpty(), nil
}

// DocumentHasAccess reports whether documentID specifically links to id.
func (s *Store) DocumentHasAccess(ctx context.Context, accountID string, documentID store.DocumentID, id ID) (bool, error) {
	bm, err := s.docs.Tagged(ctx, accountID, linkCollection, accessTagName, id.RootHash())
	if err != nil {
		return false, err
	}
	return bm.Contains(uint32(documentID)), nil
}

// Delete removes the object from S3 entirely. Callers must ensure no
// document still links to id before calling this.
func (s *Store) Delete(ctx context.Context, id ID) error {
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(id.RootHash())),
	})
	if err != nil {
		return fmt.Errorf("blob: delete: %w", err)
	}
	return nil
}
