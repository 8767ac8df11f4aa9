package valkey

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/grainsocial/aip/storage"
)

// Connection-level behavior is covered against a live Valkey in integration
// environments; these tests cover the pure helpers.

func TestKeyPrefixes(t *testing.T) {
	s := &Store{prefix: "aip:"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"client", s.clientKey("c1"), "aip:client:c1"},
		{"access", s.accessTokenKey("t1"), "aip:access:t1"},
		{"refresh", s.refreshTokenKey("t1"), "aip:refresh:t1"},
		{"authreq", s.authRequestKey("abc"), "aip:authreq:abc"},
		{"device", s.deviceCodeKey("d1"), "aip:device:d1"},
		{"usercode", s.userCodeKey("WDJB-MJHT"), "aip:usercode:WDJB-MJHT"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s key = %q, want %q", tt.name, tt.got, tt.want)
		}
		if !strings.HasPrefix(tt.got, "aip:") {
			t.Errorf("%s key missing prefix: %q", tt.name, tt.got)
		}
	}
}

func TestTTLUntil(t *testing.T) {
	if ttl := ttlUntil(time.Now().Add(time.Hour), 0); ttl < 59*time.Minute || ttl > 61*time.Minute {
		t.Errorf("ttlUntil(+1h) = %v", ttl)
	}
	if ttl := ttlUntil(time.Now().Add(-time.Minute), 0); ttl != time.Second {
		t.Errorf("ttlUntil(past) = %v, want 1s floor", ttl)
	}
	if ttl := ttlUntil(time.Now().Add(time.Minute), time.Hour); ttl < time.Hour {
		t.Errorf("ttlUntil with slack = %v, want >= 1h", ttl)
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with empty address expected error")
	}
}

// The device code scripts patch stored JSON by field name server-side. If a
// field is renamed or gains a json tag, the scripts would silently write
// records the Go side can no longer read, so pin the names here.
func TestDeviceCodeScriptsPatchRealFields(t *testing.T) {
	data, err := json.Marshal(&storage.DeviceCode{
		DeviceCode: "d1",
		UserCode:   "WDJB-MJHT",
		Status:     storage.DeviceCodePending,
		Interval:   5,
	})
	if err != nil {
		t.Fatalf("marshal device code: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("unmarshal device code: %v", err)
	}

	tests := []struct {
		script string
		field  string
	}{
		{updateDeviceCodeStatusLua, "Status"},
		{updateDeviceCodeStatusLua, "Subject"},
		{markDeviceCodePolledLua, "LastPolledAt"},
		{markDeviceCodePolledLua, "Interval"},
	}
	for _, tt := range tests {
		if _, ok := record[tt.field]; !ok {
			t.Errorf("device code JSON has no %q field", tt.field)
		}
		if !strings.Contains(tt.script, "['"+tt.field+"']") {
			t.Errorf("script does not patch %q", tt.field)
		}
	}
}

// The poll script writes the timestamp the Go side formats as ARGV[1].
// Round-trip it through the JSON record shape to catch format drift.
func TestMarkPolledTimestampRoundTrip(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)

	data, err := json.Marshal(&storage.DeviceCode{DeviceCode: "d1", UserCode: "WDJB-MJHT"})
	if err != nil {
		t.Fatalf("marshal device code: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("unmarshal device code: %v", err)
	}
	record["LastPolledAt"] = at.UTC().Format(time.RFC3339Nano)
	record["Interval"] = 10

	patched, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal patched record: %v", err)
	}
	var dc storage.DeviceCode
	if err := json.Unmarshal(patched, &dc); err != nil {
		t.Fatalf("unmarshal patched record: %v", err)
	}
	if !dc.LastPolledAt.Equal(at) {
		t.Errorf("LastPolledAt = %v, want %v", dc.LastPolledAt, at)
	}
	if dc.Interval != 10 {
		t.Errorf("Interval = %d, want 10", dc.Interval)
	}
}
