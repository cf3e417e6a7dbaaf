package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ZaguanLabs/blurbsync/remote"
)

func TestCache_GetSet(t *testing.T) {
	c := New(remote.NewMemory())

	c.Set("en.hello", "Hello")

	val, ok := c.Get("en.hello")
	if !ok {
		t.Error("Get should return true for existing key")
	}
	if val != "Hello" {
		t.Errorf("Get returned %q, want %q", val, "Hello")
	}

	val, ok = c.Get("nonexistent")
	if ok {
		t.Error("Get should return false for missing key")
	}
	if val != "" {
		t.Errorf("Get should return empty string for missing key, got %q", val)
	}
}

func TestCache_Overwrite(t *testing.T) {
	c := New(remote.NewMemory())

	c.Set("key1", "value1")
	c.Set("key1", "value2")

	val, _ := c.Get("key1")
	if val != "value2" {
		t.Errorf("Value should be overwritten, got %q, want %q", val, "value2")
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", c.Len())
	}
}

func TestCache_DirtyTracking(t *testing.T) {
	store := remote.NewMemory()
	c := New(store)

	if c.Dirty() {
		t.Error("New cache should not be dirty")
	}

	c.Set("test.key", "value")
	if !c.Dirty() {
		t.Error("Cache should be dirty after Set")
	}

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if c.Dirty() {
		t.Error("Cache should be clean after a successful flush")
	}

	if v, ok := store.Draft("test.key"); !ok || v != "value" {
		t.Errorf("Remote should hold test.key=value, got %q (ok=%v)", v, ok)
	}
}

func TestCache_FlushClean(t *testing.T) {
	store := remote.NewMemory()
	c := New(store)

	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if store.Uploads() != 0 {
		t.Errorf("Clean cache should not upload, got %d uploads", store.Uploads())
	}
}

func TestCache_FlushFailureKeepsDirty(t *testing.T) {
	store := remote.NewMemory()
	c := New(store)

	c.Set("test.key", "value")
	store.FailWith(errors.New("network down"))

	err := c.Flush(context.Background())
	if err == nil {
		t.Fatal("Expected flush error")
	}
	if !remote.IsRetryable(err) {
		t.Errorf("Expected wrapped retryable SyncError, got %v", err)
	}
	if !c.Dirty() {
		t.Error("Cache should stay dirty after failed flush")
	}

	store.FailWith(nil)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Retry flush failed: %v", err)
	}
	if store.Uploads() != 2 {
		t.Errorf("Expected 2 upload attempts, got %d", store.Uploads())
	}
	if v, _ := store.Draft("test.key"); v != "value" {
		t.Errorf("Resent flush should deliver test.key, got %q", v)
	}
	if c.Dirty() {
		t.Error("Cache should be clean after retry")
	}
}

func TestCache_FlushLeavesRemoteEditsAlone(t *testing.T) {
	store := remote.NewMemory()
	ctx := context.Background()
	_ = store.Upload(ctx, map[string]string{"en.title": "v1"})

	c := New(store)
	if err := c.Update(ctx); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// An editor changes the title after this process downloaded it.
	_ = store.Upload(ctx, map[string]string{"en.title": "v2 edited remotely"})

	c.Set("en.other", "x")
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if v, _ := store.Draft("en.title"); v != "v2 edited remotely" {
		t.Errorf("Flush reverted a remote edit, en.title is %q", v)
	}
	if v, _ := store.Draft("en.other"); v != "x" {
		t.Errorf("Local write should be sent, got %q", v)
	}
}

// blockingStore lets a test write to the cache while an upload is in flight.
type blockingStore struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Upload(ctx context.Context, blurbs map[string]string) error {
	close(s.entered)
	<-s.release
	return s.Memory.Upload(ctx, blurbs)
}

func TestCache_WriteDuringFlushStaysDirty(t *testing.T) {
	store := &blockingStore{
		Memory:  remote.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := New(store)
	c.Set("a", "1")

	done := make(chan error)
	go func() { done <- c.Flush(context.Background()) }()

	<-store.entered
	// Set must not block on the in-flight upload
	c.Set("b", "2")
	close(store.release)

	if err := <-done; err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !c.Dirty() {
		t.Error("Write made during flush should keep the cache dirty")
	}
	if _, ok := store.Draft("b"); ok {
		t.Error("Concurrent write should not be in the in-flight payload")
	}
}

func TestCache_UpdateKeepsLocalWrites(t *testing.T) {
	store := remote.NewMemory()
	_ = store.Upload(context.Background(), map[string]string{
		"en.a": "remote a",
		"en.b": "remote b",
	})
	c := New(store)
	c.Set("en.a", "local a")

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if v, _ := c.Get("en.a"); v != "local a" {
		t.Errorf("Dirty key should keep local value, got %q", v)
	}
	if v, _ := c.Get("en.b"); v != "remote b" {
		t.Errorf("Remote key should be merged, got %q", v)
	}
}

func TestCache_UpdateFailure(t *testing.T) {
	store := remote.NewMemory()
	store.FailWith(errors.New("timeout"))
	c := New(store)

	if err := c.Update(context.Background()); err == nil {
		t.Error("Expected update error")
	}
	if err := c.WaitForDownloadTimeout(10 * time.Millisecond); err == nil {
		t.Error("WaitForDownload should time out when no download succeeded")
	}
}

type notModifiedStore struct{ *remote.Memory }

func (notModifiedStore) Download(context.Context) (map[string]string, error) {
	return nil, remote.ErrNotModified
}

func TestCache_UpdateNotModified(t *testing.T) {
	c := New(notModifiedStore{remote.NewMemory()})

	if err := c.Update(context.Background()); err != nil {
		t.Fatalf("Not modified should not be an error: %v", err)
	}
	if err := c.WaitForDownloadTimeout(time.Second); err != nil {
		t.Errorf("WaitForDownload should return after not-modified: %v", err)
	}
}

func TestCache_WaitForDownload(t *testing.T) {
	c := New(remote.NewMemory())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = c.Update(context.Background())
	}()

	if err := c.WaitForDownloadTimeout(time.Second); err != nil {
		t.Errorf("WaitForDownload failed: %v", err)
	}
}

func TestCache_Keys(t *testing.T) {
	c := New(remote.NewMemory())
	c.Set("b", "2")
	c.Set("a", "1")

	keys := c.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("Expected sorted keys [a b], got %v", keys)
	}
}

func TestCache_Concurrent(t *testing.T) {
	c := New(remote.NewMemory())
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			c.Set(key, "value")
		}(i)
	}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i%26))
			c.Get(key)
		}(i)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Flush(context.Background())
			_ = c.Update(context.Background())
		}()
	}

	wg.Wait()
}
