package origin

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
)

// zipStream returns a reader producing a ZIP archive of every regular file
// under relDir. The archive is built on the fly through a pipe, so nothing is
// buffered beyond the compressor's own window.
func zipStream(scanner *Scanner, base, relDir string) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		zw := zip.NewWriter(pw)

		err := scanner.Walk(relDir, func(e Entry) error {
			f, err := os.Open(filepath.Join(base, filepath.FromSlash(e.RelativePath)))
			if err != nil {
				return err
			}
			defer f.Close()

			name := e.RelativePath
			if relDir != "" {
				// Archive paths are relative to the zipped subtree.
				rel, relErr := filepath.Rel(relDir, e.RelativePath)
				if relErr == nil {
					name = filepath.ToSlash(rel)
				}
			}

			w, err := zw.Create(name)
			if err != nil {
				return err
			}
			_, err = io.Copy(w, f)
			return err
		})

		if err != nil {
			zw.Close()
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(zw.Close())
	}()

	return pr
}
