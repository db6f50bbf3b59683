package aws

import (
	"bytes"
	"context"
	"docrelay/core"
	"docrelay/stores/storetest"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory bucket implementing s3API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestDocumentStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.DocumentStore {
		return newStore(newFakeS3(), "test-bucket")
	})
}

func TestObjectKey(t *testing.T) {
	key, err := objectKey("01HXYZ")
	if err != nil {
		t.Fatalf("objectKey() failed: %v", err)
	}
	if key != "documents/01HXYZ.json" {
		t.Errorf("objectKey() mismatch: got %q", key)
	}

	for _, id := range []string{"", ".", "..", "../other", "a/b", `a\b`} {
		if _, err := objectKey(id); err == nil {
			t.Errorf("objectKey(%q) should fail", id)
		}
	}
}

func TestCreate_UploadError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("access denied")
	store := newStore(fake, "test-bucket")

	if _, err := store.Create(context.Background(), "t", "c", "user-1"); err == nil {
		t.Error("Create() should surface upload errors")
	}
}

func TestList_IgnoresForeignObjects(t *testing.T) {
	fake := newFakeS3()
	store := newStore(fake, "test-bucket")
	ctx := context.Background()

	if _, err := store.Create(ctx, "mine", "", "user-1"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	fake.objects["documents/garbage.json"] = []byte("not json")
	fake.objects["other/thing.json"] = []byte(`{"ownerId":"user-1"}`)

	docs, err := store.List(ctx, "user-1")
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "mine" {
		t.Errorf("List() mismatch: got %d documents", len(docs))
	}
}
