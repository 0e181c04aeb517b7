package metadata

import (
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/go-cmp/cmp"

	"github.com/jbweber/blockplug/internal/plug"
)

// mockLibvirtClient is a mock implementation of LibvirtClient for testing.
type mockLibvirtClient struct {
	// For controlling behavior
	setMetadataError error
	getMetadataError error
	getMetadataValue string

	// For verification
	lastSetMetadata  libvirt.OptString
	lastSetKey       string
	lastSetURI       string
	lastSetFlags     libvirt.DomainModificationImpact
	setMetadataCalls int
	getMetadataCalls int
}

func (m *mockLibvirtClient) DomainSetMetadata(
	dom libvirt.Domain,
	typ int32,
	metadata libvirt.OptString,
	key libvirt.OptString,
	uri libvirt.OptString,
	flags libvirt.DomainModificationImpact,
) error {
	m.setMetadataCalls++
	m.lastSetMetadata = metadata
	if len(key) > 0 {
		m.lastSetKey = key[0]
	}
	if len(uri) > 0 {
		m.lastSetURI = uri[0]
	}
	m.lastSetFlags = flags

	return m.setMetadataError
}

func (m *mockLibvirtClient) DomainGetMetadata(
	dom libvirt.Domain,
	typ int32,
	uri libvirt.OptString,
	flags libvirt.DomainModificationImpact,
) (string, error) {
	m.getMetadataCalls++
	return m.getMetadataValue, m.getMetadataError
}

func testState() plug.State {
	return plug.State{
		HBAs:   map[string]string{"stg0": "virtio_scsi_pci0"},
		Images: []string{"stg0", "stg1"},
		Disks:  []string{"sdb", "sdc"},
	}
}

func TestSave_State(t *testing.T) {
	mock := &mockLibvirtClient{}
	store := NewDomainStore(mock, libvirt.Domain{Name: "guest01"})

	if err := store.Save(context.Background(), testState()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if mock.setMetadataCalls != 1 {
		t.Fatalf("Expected 1 DomainSetMetadata call, got %d", mock.setMetadataCalls)
	}
	if mock.lastSetKey != MetadataKey || mock.lastSetURI != MetadataNamespace {
		t.Errorf("Unexpected key %q and namespace %q", mock.lastSetKey, mock.lastSetURI)
	}
	if mock.lastSetFlags != libvirt.DomainAffectLive {
		t.Errorf("Expected live-only metadata, got flags %d", mock.lastSetFlags)
	}

	var metadata StateMetadata
	if err := xml.Unmarshal([]byte(mock.lastSetMetadata[0]), &metadata); err != nil {
		t.Fatalf("Stored metadata is not valid XML: %v", err)
	}
	if metadata.Xmlns != MetadataNamespace {
		t.Errorf("Expected namespace %q, got %q", MetadataNamespace, metadata.Xmlns)
	}
	for _, want := range []string{"hbas:", "stg0: virtio_scsi_pci0", "images:", "- sdb"} {
		if !strings.Contains(metadata.StateYAML, want) {
			t.Errorf("Expected YAML to contain %q, got:\n%s", want, metadata.StateYAML)
		}
	}
}

func TestSave_EmptyStateDeletes(t *testing.T) {
	mock := &mockLibvirtClient{}
	store := NewDomainStore(mock, libvirt.Domain{})

	if err := store.Save(context.Background(), plug.State{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(mock.lastSetMetadata) != 0 {
		t.Errorf("Expected metadata removal, got %v", mock.lastSetMetadata)
	}
}

func TestSave_DomainSetMetadataError(t *testing.T) {
	mock := &mockLibvirtClient{setMetadataError: errors.New("libvirt error")}
	store := NewDomainStore(mock, libvirt.Domain{})

	err := store.Save(context.Background(), testState())
	if err == nil || !strings.Contains(err.Error(), "failed to set libvirt domain metadata") {
		t.Errorf("Expected set metadata error, got %v", err)
	}
}

func TestRoundTrip_SaveAndLoad(t *testing.T) {
	mock := &mockLibvirtClient{}
	store := NewDomainStore(mock, libvirt.Domain{})
	ctx := context.Background()

	if err := store.Save(ctx, testState()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	mock.getMetadataValue = mock.lastSetMetadata[0]

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(testState(), got); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		err     error
		wantErr string
	}{
		{
			name:    "libvirt error",
			err:     errors.New("connection lost"),
			wantErr: "failed to get libvirt domain metadata",
		},
		{
			name:    "invalid XML",
			value:   "<state",
			wantErr: "failed to unmarshal metadata XML",
		},
		{
			name:    "invalid YAML",
			value:   `<state xmlns="` + MetadataNamespace + `">images: [unterminated</state>`,
			wantErr: "failed to unmarshal state from YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLibvirtClient{getMetadataValue: tt.value, getMetadataError: tt.err}
			_, err := NewDomainStore(mock, libvirt.Domain{}).Load(context.Background())
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_NoMetadata(t *testing.T) {
	mock := &mockLibvirtClient{getMetadataError: libvirt.Error{Code: errNoDomainMetadata, Message: "metadata not found"}}
	st, err := NewDomainStore(mock, libvirt.Domain{}).Load(context.Background())
	if err != nil {
		t.Fatalf("Expected no error for missing metadata, got %v", err)
	}
	if diff := cmp.Diff(plug.State{}, st); diff != "" {
		t.Errorf("Expected empty state (-want +got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	mock := &mockLibvirtClient{setMetadataError: libvirt.Error{Code: errNoDomainMetadata}}
	if err := NewDomainStore(mock, libvirt.Domain{}).Delete(context.Background()); err != nil {
		t.Errorf("Expected removing absent metadata to succeed, got %v", err)
	}

	mock = &mockLibvirtClient{setMetadataError: errors.New("permission denied")}
	if err := NewDomainStore(mock, libvirt.Domain{}).Delete(context.Background()); err == nil {
		t.Error("Expected error from DomainSetMetadata to be returned")
	}
}
