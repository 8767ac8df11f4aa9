package lru

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/grainsocial/aip/storage"
)

func TestStore_ConsumeAuthorizationRequest_SingleWinner(t *testing.T) {
	ctx := context.Background()
	s, err := New(16)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := s.SaveAuthorizationRequest(ctx, &storage.AuthorizationRequest{
		Code:     "code-1",
		ClientID: "client-1",
	}); err != nil {
		t.Fatalf("SaveAuthorizationRequest() error = %v", err)
	}

	const attempts = 32
	var wg sync.WaitGroup
	successes := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationRequest(ctx, "code-1"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("winners = %d, want exactly 1", count)
	}
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s, err := New(4)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for i := 0; i < 8; i++ {
		err := s.SaveAuthorizationRequest(ctx, &storage.AuthorizationRequest{
			Code: fmt.Sprintf("code-%d", i),
		})
		if err != nil {
			t.Fatalf("SaveAuthorizationRequest() error = %v", err)
		}
	}

	// The four oldest entries must be gone.
	if _, err := s.ConsumeAuthorizationRequest(ctx, "code-0"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeAuthorizationRequest(code-0) error = %v, want ErrNotFound", err)
	}
	if _, err := s.ConsumeAuthorizationRequest(ctx, "code-7"); err != nil {
		t.Errorf("ConsumeAuthorizationRequest(code-7) error = %v, want nil", err)
	}
}

func TestStore_DeviceCodeUserCodeIndex(t *testing.T) {
	ctx := context.Background()
	s, err := New(16)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	dc := &storage.DeviceCode{
		DeviceCode: "dev-1",
		UserCode:   "BDWP-HQPK",
		ClientID:   "client-1",
		Status:     storage.DeviceCodePending,
	}
	if err := s.SaveDeviceCode(ctx, dc); err != nil {
		t.Fatalf("SaveDeviceCode() error = %v", err)
	}

	got, err := s.GetDeviceCodeByUserCode(ctx, "BDWP-HQPK")
	if err != nil {
		t.Fatalf("GetDeviceCodeByUserCode() error = %v", err)
	}
	if got.DeviceCode != "dev-1" {
		t.Errorf("device code = %q, want dev-1", got.DeviceCode)
	}

	if _, err := s.ConsumeDeviceCode(ctx, "dev-1"); err != nil {
		t.Fatalf("ConsumeDeviceCode() error = %v", err)
	}
	if _, err := s.GetDeviceCodeByUserCode(ctx, "BDWP-HQPK"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("user code index survived consume: %v", err)
	}
}

func TestNew_RejectsNonPositiveCapacity(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) expected error")
	}
	if _, err := New(-1); err == nil {
		t.Error("New(-1) expected error")
	}
}

func TestDocumentCache(t *testing.T) {
	c, err := NewDocumentCache(2)
	if err != nil {
		t.Fatalf("NewDocumentCache() error = %v", err)
	}

	c.Put("did:plc:alice", []byte(`{"id":"did:plc:alice"}`))
	doc, ok := c.Get("did:plc:alice")
	if !ok || len(doc) == 0 {
		t.Fatalf("Get() = %q, %v", doc, ok)
	}

	c.Put("did:plc:bob", []byte(`{}`))
	c.Put("did:plc:carol", []byte(`{}`))
	if _, ok := c.Get("did:plc:alice"); ok {
		t.Error("oldest document survived eviction")
	}
}
