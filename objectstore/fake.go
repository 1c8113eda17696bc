package objectstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/s3refgc/s3refgc/errtag"
)

// Fake is an in-memory Store used by tests across s3refgc that would
// otherwise need a live S3-compatible endpoint. It implements the same
// Store interface as MinioStore.
type Fake struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

type fakeObject struct {
	body         []byte
	lastModified time.Time
}

// NewFake returns an empty in-memory object store.
func NewFake() *Fake {
	return &Fake{objects: map[string]fakeObject{}}
}

// Seed inserts an object directly, bypassing Put, for test setup.
func (f *Fake) Seed(key string, body []byte, lastModified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[key] = fakeObject{body: body, lastModified: lastModified}
}

func (f *Fake) List(ctx context.Context, batchSize int) (<-chan ObjectInfo, <-chan error) {
	out := make(chan ObjectInfo, batchSize)
	errCh := make(chan error, 1)

	f.mu.Lock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	infos := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		obj := f.objects[k]
		infos = append(infos, ObjectInfo{Key: k, Size: int64(len(obj.body)), LastModified: obj.lastModified})
	}
	f.mu.Unlock()

	go func() {
		defer close(out)
		defer close(errCh)

		for _, info := range infos {
			select {
			case out <- info:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errCh
}

func (f *Fake) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[key]
	if !ok {
		return nil, errtag.ObjectStoref("get", errNoSuchKey, map[string]any{"key": key})
	}

	return io.NopCloser(bytes.NewReader(obj.body)), nil
}

func (f *Fake) Put(ctx context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := make([]byte, len(body))
	copy(cp, body)
	f.objects[key] = fakeObject{body: cp, lastModified: time.Now()}

	return nil
}

func (f *Fake) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, key)

	return nil
}

func (f *Fake) Head(ctx context.Context, key string) (ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[key]
	if !ok {
		return ObjectInfo{}, errtag.ObjectStoref("head", errNoSuchKey, map[string]any{"key": key})
	}

	return ObjectInfo{Key: key, Size: int64(len(obj.body)), LastModified: obj.lastModified}, nil
}

func (f *Fake) HeadBucket(ctx context.Context) error {
	return nil
}

var errNoSuchKey = noSuchKeyError{}

type noSuchKeyError struct{}

func (noSuchKeyError) Error() string { return "no such key" }
