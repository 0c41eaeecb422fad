package signd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectPackage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.ipa")
	require.NoError(t, os.WriteFile(path, testIPA(t, "com.example.app", "Example", "1.2"), 0o644))

	info, err := InspectPackage(path)
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", info.BundleID)
	assert.Equal(t, "Example", info.DisplayName)
	assert.Equal(t, "1.2", info.Version)
}

func TestInspectPackageIgnoresNestedPlists(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// A framework's Info.plist must not shadow the app bundle's.
	nested, err := zw.Create("Payload/Example.app/Frameworks/Dep.framework/Info.plist")
	require.NoError(t, err)
	_, err = nested.Write([]byte(`<?xml version="1.0"?><plist version="1.0"><dict>
	<key>CFBundleIdentifier</key><string>com.example.dep</string>
</dict></plist>`))
	require.NoError(t, err)

	app, err := zw.Create("Payload/Example.app/Info.plist")
	require.NoError(t, err)
	_, err = app.Write([]byte(`<?xml version="1.0"?><plist version="1.0"><dict>
	<key>CFBundleIdentifier</key><string>com.example.app</string>
	<key>CFBundleName</key><string>Example</string>
</dict></plist>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "app.ipa")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	info, err := InspectPackage(path)
	require.NoError(t, err)
	assert.Equal(t, "com.example.app", info.BundleID)
	// CFBundleName backfills a missing display name.
	assert.Equal(t, "Example", info.DisplayName)
}

func TestInspectPackageErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := InspectPackage(filepath.Join(dir, "missing.ipa"))
	assert.Error(t, err)

	notZip := filepath.Join(dir, "notzip.ipa")
	require.NoError(t, os.WriteFile(notZip, []byte("not an archive"), 0o644))
	_, err = InspectPackage(notZip)
	assert.Error(t, err)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("Payload/Example.app/binary")
	require.NoError(t, err)
	_, err = f.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	noPlist := filepath.Join(dir, "noplist.ipa")
	require.NoError(t, os.WriteFile(noPlist, buf.Bytes(), 0o644))
	_, err = InspectPackage(noPlist)
	assert.Error(t, err)
}

func TestIsAppInfoPlist(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"Payload/Example.app/Info.plist", true},
		{"Payload/My App.app/Info.plist", true},
		{"Payload/Example.app/Frameworks/Dep.framework/Info.plist", false},
		{"Payload/Example.app/PlugIns/Widget.appex/Info.plist", false},
		{"Payload/Info.plist", false},
		{"Example.app/Info.plist", false},
		{"Payload/Example.app/Settings.plist", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isAppInfoPlist(tc.name), tc.name)
	}
}
