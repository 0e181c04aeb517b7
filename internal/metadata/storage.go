// Package metadata persists the hotplug state of a domain in libvirt's custom
// XML metadata. Devices hotplugged over the monitor never show up in the
// domain XML, so this is how a later run learns what an earlier one plugged.
package metadata

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/blockplug/internal/plug"
)

const (
	// MetadataNamespace is the XML namespace for blockplug metadata.
	MetadataNamespace = "http://blockplug.jbweber.github.io/v1"

	// MetadataKey is the key used to store/retrieve metadata from libvirt.
	MetadataKey = "blockplug-state"
)

// errNoDomainMetadata is libvirt's VIR_ERR_NO_DOMAIN_METADATA.
const errNoDomainMetadata = 80

// LibvirtClient is the subset of go-libvirt the store needs.
type LibvirtClient interface {
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainGetMetadata(Dom libvirt.Domain, Type int32, Uri libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
}

// StateMetadata is the XML structure for storing the state in libvirt.
// The state is stored as YAML text for easy human readability when
// inspecting the domain XML directly.
type StateMetadata struct {
	XMLName xml.Name `xml:"state"`
	Xmlns   string   `xml:"xmlns,attr"`
	// StateYAML contains the plug.State serialized as YAML
	StateYAML string `xml:",chardata"`
}

// DomainStore keeps the state of one running domain. It only touches the live
// definition: hotplugged devices do not survive a restart, and neither should
// their state.
type DomainStore struct {
	client LibvirtClient
	domain libvirt.Domain
}

// NewDomainStore creates a store for domain.
func NewDomainStore(client LibvirtClient, domain libvirt.Domain) *DomainStore {
	return &DomainStore{client: client, domain: domain}
}

// Save stores s on the domain. An empty state removes the metadata.
func (s *DomainStore) Save(ctx context.Context, st plug.State) error {
	if len(st.HBAs) == 0 && len(st.Images) == 0 && len(st.Disks) == 0 {
		return s.Delete(ctx)
	}

	yamlData, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state to YAML: %w", err)
	}

	metadata := StateMetadata{
		Xmlns:     MetadataNamespace,
		StateYAML: string(yamlData),
	}
	xmlData, err := xml.MarshalIndent(metadata, "  ", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = s.client.DomainSetMetadata(
		s.domain,
		int32(libvirt.DomainMetadataElement), // Type: custom XML element
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectLive,
	)
	if err != nil {
		return fmt.Errorf("failed to set libvirt domain metadata: %w", err)
	}

	return nil
}

// Load retrieves the stored state. A domain without metadata yields an empty
// state.
func (s *DomainStore) Load(ctx context.Context) (plug.State, error) {
	xmlStr, err := s.client.DomainGetMetadata(
		s.domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectLive,
	)
	if err != nil {
		if isNoMetadata(err) {
			return plug.State{}, nil
		}
		return plug.State{}, fmt.Errorf("failed to get libvirt domain metadata: %w", err)
	}

	var metadata StateMetadata
	if err := xml.Unmarshal([]byte(xmlStr), &metadata); err != nil {
		return plug.State{}, fmt.Errorf("failed to unmarshal metadata XML: %w", err)
	}

	var st plug.State
	if err := yaml.Unmarshal([]byte(metadata.StateYAML), &st); err != nil {
		return plug.State{}, fmt.Errorf("failed to unmarshal state from YAML: %w", err)
	}

	return st, nil
}

// Delete removes the stored state. Removing absent metadata is not an error.
func (s *DomainStore) Delete(ctx context.Context) error {
	err := s.client.DomainSetMetadata(
		s.domain,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{}, // no metadata removes the element
		libvirt.OptString{MetadataKey},
		libvirt.OptString{MetadataNamespace},
		libvirt.DomainAffectLive,
	)
	if err != nil && !isNoMetadata(err) {
		return fmt.Errorf("failed to delete libvirt domain metadata: %w", err)
	}

	return nil
}

func isNoMetadata(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == errNoDomainMetadata
}
