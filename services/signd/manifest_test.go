package signd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func TestManifestRender(t *testing.T) {
	data, err := InstallManifest{
		PackageURL: "https://example.com/apps/abc.ipa",
		BundleID:   "com.example.app",
		Title:      "Example",
		Version:    "2.1",
	}.Render()
	require.NoError(t, err)

	var doc installManifest
	_, err = plist.Unmarshal(data, &doc)
	require.NoError(t, err)

	require.Len(t, doc.Items, 1)
	require.Len(t, doc.Items[0].Assets, 1)

	asset := doc.Items[0].Assets[0]
	assert.Equal(t, "software-package", asset.Kind)
	assert.Equal(t, "https://example.com/apps/abc.ipa", asset.URL)

	meta := doc.Items[0].Metadata
	assert.Equal(t, "com.example.app", meta.BundleIdentifier)
	assert.Equal(t, "2.1", meta.BundleVersion)
	assert.Equal(t, "software", meta.Kind)
	assert.Equal(t, "Example", meta.Title)
}

func TestManifestRenderDefaults(t *testing.T) {
	data, err := InstallManifest{PackageURL: "https://example.com/a.ipa"}.Render()
	require.NoError(t, err)

	var doc installManifest
	_, err = plist.Unmarshal(data, &doc)
	require.NoError(t, err)

	meta := doc.Items[0].Metadata
	assert.Equal(t, "local.signed.app", meta.BundleIdentifier)
	assert.Equal(t, "1.0", meta.BundleVersion)
	assert.Equal(t, "Signed App", meta.Title)
}

func TestManifestRenderRequiresPackageURL(t *testing.T) {
	_, err := InstallManifest{BundleID: "com.example.app"}.Render()
	assert.Error(t, err)
}
