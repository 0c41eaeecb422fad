package signd

import (
	"fmt"

	"howett.net/plist"
)

// The OTA install manifest format is owned by the platform installer; the
// structures below produce the property-list document it consumes.

type manifestAsset struct {
	Kind string `plist:"kind"`
	URL  string `plist:"url"`
}

type manifestMetadata struct {
	BundleIdentifier string `plist:"bundle-identifier"`
	BundleVersion    string `plist:"bundle-version"`
	Kind             string `plist:"kind"`
	Title            string `plist:"title"`
}

type manifestItem struct {
	Assets   []manifestAsset  `plist:"assets"`
	Metadata manifestMetadata `plist:"metadata"`
}

type installManifest struct {
	Items []manifestItem `plist:"items"`
}

// InstallManifest describes one signed artifact for over-the-air install.
type InstallManifest struct {
	PackageURL string
	BundleID   string
	Title      string
	Version    string
}

// Render produces the XML property list the installer fetches.
func (m InstallManifest) Render() ([]byte, error) {
	if m.PackageURL == "" {
		return nil, fmt.Errorf("manifest package URL is required")
	}
	bundleID := m.BundleID
	if bundleID == "" {
		bundleID = "local.signed.app"
	}
	title := m.Title
	if title == "" {
		title = "Signed App"
	}
	version := m.Version
	if version == "" {
		version = "1.0"
	}

	doc := installManifest{
		Items: []manifestItem{{
			Assets: []manifestAsset{{
				Kind: "software-package",
				URL:  m.PackageURL,
			}},
			Metadata: manifestMetadata{
				BundleIdentifier: bundleID,
				BundleVersion:    version,
				Kind:             "software",
				Title:            title,
			},
		}},
	}

	data, err := plist.MarshalIndent(doc, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("marshal install manifest: %w", err)
	}
	return data, nil
}
