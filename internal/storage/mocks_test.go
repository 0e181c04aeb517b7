package storage

import (
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
)

// mockLibvirtClient is a mock implementation of LibvirtClient for testing.
type mockLibvirtClient struct {
	volumes map[string]map[string]*mockVolume // pool name -> volume name -> volume

	// lookupErr, when set, fails every volume lookup.
	lookupErr error

	// For verification
	createdXML   []string
	refreshCalls int
}

type mockVolume struct {
	name string
	path string
}

func newMockLibvirtClient(pools ...string) *mockLibvirtClient {
	m := &mockLibvirtClient{volumes: make(map[string]map[string]*mockVolume)}
	for _, p := range pools {
		m.volumes[p] = make(map[string]*mockVolume)
	}
	return m
}

func (m *mockLibvirtClient) addVolume(pool, name string) {
	m.volumes[pool][name] = &mockVolume{name: name, path: "/var/lib/libvirt/images/" + pool + "/" + name}
}

func (m *mockLibvirtClient) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if _, ok := m.volumes[name]; !ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool not found: %s", name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (m *mockLibvirtClient) StoragePoolRefresh(pool libvirt.StoragePool, flags uint32) error {
	if _, ok := m.volumes[pool.Name]; !ok {
		return fmt.Errorf("storage pool not found: %s", pool.Name)
	}
	m.refreshCalls++
	return nil
}

func (m *mockLibvirtClient) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	if m.lookupErr != nil {
		return libvirt.StorageVol{}, m.lookupErr
	}
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage pool not found: %s", pool.Name)
	}
	vol, ok := vols[name]
	if !ok {
		return libvirt.StorageVol{}, libvirt.Error{Code: errNoStorageVol, Message: "Storage volume not found: " + name}
	}
	return libvirt.StorageVol{Pool: pool.Name, Name: vol.name}, nil
}

func (m *mockLibvirtClient) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	vols, ok := m.volumes[pool.Name]
	if !ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage pool not found: %s", pool.Name)
	}

	name := extractTagValue(xml, "name")
	if name == "" {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: missing name")
	}
	if _, ok := vols[name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume already exists: %s", name)
	}

	m.createdXML = append(m.createdXML, xml)
	m.addVolume(pool.Name, name)
	return libvirt.StorageVol{Pool: pool.Name, Name: name}, nil
}

func (m *mockLibvirtClient) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return fmt.Errorf("storage pool not found: %s", vol.Pool)
	}
	if _, ok := vols[vol.Name]; !ok {
		return fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	delete(vols, vol.Name)
	return nil
}

func (m *mockLibvirtClient) StorageVolGetPath(vol libvirt.StorageVol) (string, error) {
	vols, ok := m.volumes[vol.Pool]
	if !ok {
		return "", fmt.Errorf("storage pool not found: %s", vol.Pool)
	}
	v, ok := vols[vol.Name]
	if !ok {
		return "", fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	return v.path, nil
}

// newTestManager returns a Manager that does not touch the local host.
func newTestManager(client *mockLibvirtClient, formats map[string]VolumeFormat) *Manager {
	m := NewManager(client)
	m.owner = func() (string, string, error) { return "107", "107", nil }
	m.detect = func(path string) (VolumeFormat, error) {
		f, ok := formats[path]
		if !ok {
			return "", fmt.Errorf("failed to open file: %s", path)
		}
		return f, nil
	}
	return m
}

// Helper function to extract tag value from XML
func extractTagValue(xml, tag string) string {
	start := strings.Index(xml, "<"+tag+">")
	if start == -1 {
		return ""
	}
	start += len(tag) + 2
	end := strings.Index(xml[start:], "</"+tag+">")
	if end == -1 {
		return ""
	}
	return xml[start : start+end]
}
