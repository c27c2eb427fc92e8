package zip

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Asset is one archive entry whose content is produced on demand.
type Asset struct {
	Filename string
	Modified time.Time
	Open     func(ctx context.Context) (io.ReadCloser, error)
}

// Result reports what made it into the archive.
type Result struct {
	Written int
	Skipped []string
}

// StreamAssets writes a zip archive of assets to w. An asset that cannot be
// opened is skipped and listed in the result; a read or write error aborts
// the archive. Entries are stored without compression.
func StreamAssets(ctx context.Context, w io.Writer, assets []Asset) (Result, error) {
	var res Result
	zw := zip.NewWriter(w)
	used := make(map[string]int, len(assets))
	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return res, err
		}
		name := uniqueName(used, asset.Filename)
		rc, err := asset.Open(ctx)
		if err != nil {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		hdr := &zip.FileHeader{Name: name, Method: zip.Store, Modified: asset.Modified}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			rc.Close()
			return res, err
		}
		_, err = io.Copy(entry, rc)
		rc.Close()
		if err != nil {
			// The entry is already partially written; stop rather than emit a corrupt member.
			_ = zw.Close()
			return res, fmt.Errorf("zip: copy %s: %w", name, err)
		}
		res.Written++
	}
	return res, zw.Close()
}

func uniqueName(used map[string]int, name string) string {
	name = strings.TrimLeft(path.Clean("/"+strings.ReplaceAll(name, "\\", "/")), "/")
	if name == "" || name == "." {
		name = "file"
	}
	n := used[name]
	used[name] = n + 1
	if n == 0 {
		return name
	}
	ext := path.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n+1, ext)
}
