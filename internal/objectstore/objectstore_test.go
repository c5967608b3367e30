package objectstore_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"vigil/internal/objectstore"
	"vigil/internal/testsupport"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range f.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	fake := newFakeS3()
	client := objectstore.NewWithAPI(fake, "proctoring", "https://media.example")

	dir := t.TempDir()
	source := filepath.Join(dir, "chunk_0.webm")
	testsupport.WriteFile(t, source, 2048)

	ctx := context.Background()
	key := objectstore.ChunkKey("sess-1", 0)
	if err := client.Upload(ctx, source, key, "video/webm"); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	target := filepath.Join(dir, "downloaded.webm")
	if err := client.Download(ctx, key, target); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat download: %v", err)
	}
	if info.Size() != 2048 {
		t.Fatalf("expected 2048 bytes, got %d", info.Size())
	}
}

func TestDownloadMissingObjectFails(t *testing.T) {
	client := objectstore.NewWithAPI(newFakeS3(), "proctoring", "")

	err := client.Download(context.Background(), "sessions/none/chunks/chunk_0.webm", filepath.Join(t.TempDir(), "out.webm"))
	if err == nil {
		t.Fatal("expected error for missing object")
	}
}

func TestDeletePrefixRemovesSessionObjectsOnly(t *testing.T) {
	fake := newFakeS3()
	client := objectstore.NewWithAPI(fake, "proctoring", "")

	dir := t.TempDir()
	source := filepath.Join(dir, "payload.bin")
	testsupport.WriteFile(t, source, 16)

	ctx := context.Background()
	keys := []string{
		objectstore.ChunkKey("sess-2", 0),
		objectstore.ChunkKey("sess-2", 1),
		objectstore.ChunkKey("sess-3", 0),
	}
	for _, key := range keys {
		if err := client.Upload(ctx, source, key, ""); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}

	deleted, err := client.DeletePrefix(ctx, objectstore.SessionPrefix("sess-2"))
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	target := filepath.Join(dir, "survivor.webm")
	if err := client.Download(ctx, objectstore.ChunkKey("sess-3", 0), target); err != nil {
		t.Fatalf("expected other session's object to survive: %v", err)
	}
}

func TestPublicURL(t *testing.T) {
	client := objectstore.NewWithAPI(newFakeS3(), "proctoring", "https://media.example/")

	got := client.PublicURL("sessions/sess-1/final.webm")
	want := "https://media.example/sessions/sess-1/final.webm"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
