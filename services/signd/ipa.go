package signd

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"howett.net/plist"
)

// PackageInfo is what we can learn about an uploaded package without signing
// it. Used to default the manifest's bundle id and title when the client
// supplied neither.
type PackageInfo struct {
	BundleID    string
	DisplayName string
	Version     string
}

type infoPlist struct {
	CFBundleIdentifier         string `plist:"CFBundleIdentifier"`
	CFBundleDisplayName        string `plist:"CFBundleDisplayName"`
	CFBundleName               string `plist:"CFBundleName"`
	CFBundleShortVersionString string `plist:"CFBundleShortVersionString"`
}

// InspectPackage opens the package archive and reads the app bundle's
// Info.plist. Inspection is best-effort for callers: a package the tool can
// still sign must not be rejected because we failed to peek inside it.
func InspectPackage(pkgPath string) (PackageInfo, error) {
	r, err := zip.OpenReader(pkgPath)
	if err != nil {
		return PackageInfo{}, fmt.Errorf("open package archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if !isAppInfoPlist(f.Name) {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return PackageInfo{}, fmt.Errorf("open %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(io.LimitReader(rc, 1<<20))
		rc.Close()
		if err != nil {
			return PackageInfo{}, fmt.Errorf("read %s: %w", f.Name, err)
		}

		var info infoPlist
		if _, err := plist.Unmarshal(data, &info); err != nil {
			return PackageInfo{}, fmt.Errorf("parse %s: %w", f.Name, err)
		}

		name := info.CFBundleDisplayName
		if name == "" {
			name = info.CFBundleName
		}
		return PackageInfo{
			BundleID:    info.CFBundleIdentifier,
			DisplayName: name,
			Version:     info.CFBundleShortVersionString,
		}, nil
	}

	return PackageInfo{}, errors.New("no app Info.plist in package")
}

// isAppInfoPlist matches Payload/<app>.app/Info.plist and nothing deeper;
// frameworks and plugins carry their own Info.plist files.
func isAppInfoPlist(name string) bool {
	if path.Base(name) != "Info.plist" {
		return false
	}
	parts := strings.Split(name, "/")
	return len(parts) == 3 && parts[0] == "Payload" && strings.HasSuffix(parts[1], ".app")
}
