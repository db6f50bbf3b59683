package aws

import (
	"bytes"
	"context"
	"docrelay/core"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "documents/"

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Store struct {
	client s3API
	bucket string
	now    func() time.Time
}

// NewStore creates an S3-backed store using the default AWS credential chain.
func NewStore(ctx context.Context, bucketName string) (core.DocumentStore, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return newStore(s3.NewFromConfig(cfg), bucketName), nil
}

func newStore(client s3API, bucket string) *s3Store {
	return &s3Store{client: client, bucket: bucket, now: time.Now}
}

// objectKey sanitises id so it cannot address objects outside keyPrefix.
func objectKey(id string) (string, error) {
	if id == "" || id == "." || id == ".." || path.Base(id) != id || strings.Contains(id, `\`) {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	return keyPrefix + id + ".json", nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *s3Store) get(ctx context.Context, key, id string) (*core.Document, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &core.NotFoundError{ID: id}
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read document data: %w", err)
	}

	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *s3Store) put(ctx context.Context, key string, doc *core.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *s3Store) Create(ctx context.Context, title, content, ownerID string) (*core.Document, error) {
	now := s.now().UTC()
	doc := &core.Document{
		ID:        ulid.Make().String(),
		Title:     title,
		Content:   content,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	key, err := objectKey(doc.ID)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, key, doc); err != nil {
		logrus.WithField("document_id", doc.ID).WithError(err).Error("Failed to create document")
		return nil, err
	}
	logrus.WithField("document_id", doc.ID).Info("Document created successfully")
	return doc, nil
}

func (s *s3Store) FindID(ctx context.Context, id string) (*core.Document, error) {
	key, err := objectKey(id)
	if err != nil {
		return nil, &core.NotFoundError{ID: id}
	}
	return s.get(ctx, key, id)
}

func (s *s3Store) List(ctx context.Context, ownerID string) ([]*core.Document, error) {
	log := logrus.WithField("user_id", ownerID)
	docs := make([]*core.Document, 0)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list documents: %w", err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			id := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), ".json")
			doc, err := s.get(ctx, key, id)
			if err != nil {
				log.WithError(err).Warnf("Skipping unreadable object %s", key)
				continue
			}
			if doc.OwnerID == ownerID {
				docs = append(docs, doc)
			}
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (s *s3Store) Update(ctx context.Context, id, title, content string) (*core.Document, error) {
	key, err := objectKey(id)
	if err != nil {
		return nil, &core.NotFoundError{ID: id}
	}
	doc, err := s.get(ctx, key, id)
	if err != nil {
		return nil, err
	}
	doc.Title = title
	doc.Content = content
	doc.UpdatedAt = s.now().UTC()

	if err := s.put(ctx, key, doc); err != nil {
		return nil, err
	}
	logrus.WithField("document_id", id).Info("Document updated successfully")
	return doc, nil
}

// Delete checks existence first because S3 deletes of missing keys succeed.
func (s *s3Store) Delete(ctx context.Context, id string) error {
	key, err := objectKey(id)
	if err != nil {
		return &core.NotFoundError{ID: id}
	}

	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return &core.NotFoundError{ID: id}
		}
		return fmt.Errorf("failed to stat document %s: %w", id, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	logrus.WithField("document_id", id).Info("Document deleted successfully")
	return nil
}
