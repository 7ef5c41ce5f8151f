package store

import (
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "modules.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	container := []byte("SVC1 fake container bytes")

	digest, err := s.Put("demo.svc", container)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if digest != sha256.Sum256(container) {
		t.Errorf("digest does not match container hash")
	}

	rec, err := s.Get(digest)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Name != "demo.svc" {
		t.Errorf("record name = %q, want demo.svc", rec.Name)
	}
	if string(rec.Container) != string(container) {
		t.Errorf("container bytes differ after round trip")
	}
}

func TestStorePutIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	container := []byte("same bytes")

	d1, err := s.Put("a.svc", container)
	if err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	d2, err := s.Put("a.svc", container)
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if d1 != d2 {
		t.Errorf("digests differ for identical content")
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("entry count = %d, want 1", len(entries))
	}
}

func TestStoreGetMissing(t *testing.T) {
	s := openTestStore(t)
	var digest [32]byte
	if _, err := s.Get(digest); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Get() error = %v, want ErrModuleNotFound", err)
	}
	if _, err := s.GetNamed("nothing.svc"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("GetNamed() error = %v, want ErrModuleNotFound", err)
	}
}

func TestStoreGetNamedReturnsLatest(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Put("mod.svc", []byte("v1")); err != nil {
		t.Fatalf("Put(v1) error = %v", err)
	}
	if _, err := s.Put("mod.svc", []byte("v2")); err != nil {
		t.Fatalf("Put(v2) error = %v", err)
	}

	rec, err := s.GetNamed("mod.svc")
	if err != nil {
		t.Fatalf("GetNamed() error = %v", err)
	}
	if string(rec.Container) != "v2" {
		t.Errorf("latest container = %q, want v2", rec.Container)
	}
}

func TestStoreList(t *testing.T) {
	s := openTestStore(t)
	s.Put("b.svc", []byte("bb"))
	s.Put("a.svc", []byte("aa"))

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entry count = %d, want 2", len(entries))
	}
	if entries[0].Name != "a.svc" || entries[1].Name != "b.svc" {
		t.Errorf("entries = %v, want sorted by name", entries)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	digest, err := s.Put("keep.svc", []byte("persisted"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	rec, err := s2.Get(digest)
	if err != nil {
		t.Fatalf("Get() after reopen error = %v", err)
	}
	if string(rec.Container) != "persisted" {
		t.Errorf("container = %q, want persisted", rec.Container)
	}
}

func TestRecordWireRoundTrip(t *testing.T) {
	rec := NewRecord("wire.svc", []byte{0x01, 0x02, 0x03})
	data, err := MarshalRecord(rec)
	if err != nil {
		t.Fatalf("MarshalRecord() error = %v", err)
	}
	decoded, err := UnmarshalRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalRecord() error = %v", err)
	}
	if decoded.Name != rec.Name || decoded.Digest != rec.Digest || string(decoded.Container) != string(rec.Container) {
		t.Errorf("decoded record = %+v, want %+v", decoded, rec)
	}
}

func TestRecordCanonicalEncodingIsDeterministic(t *testing.T) {
	rec := &Record{Name: "det.svc", Container: []byte("x"), StoredAt: 1}
	rec.Digest = sha256.Sum256(rec.Container)

	a, err := MarshalRecord(rec)
	if err != nil {
		t.Fatalf("MarshalRecord() error = %v", err)
	}
	b, err := MarshalRecord(rec)
	if err != nil {
		t.Fatalf("MarshalRecord() error = %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical encoding is not stable")
	}
}
