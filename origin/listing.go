package origin

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"path"
)

//go:embed templates/*.html
var listingTemplates embed.FS

// ListingRenderer produces the directory-listing HTML a viewer sees when
// requesting a directory path.
type ListingRenderer struct {
	templates *template.Template
}

type listingEntry struct {
	Name  string
	Href  string
	IsDir bool
	Size  string
}

type listingData struct {
	Path       string
	ParentHref string
	ZipHref    string
	Entries    []listingEntry
}

func NewListingRenderer() (*ListingRenderer, error) {
	tmpl, err := template.New("listing").Funcs(template.FuncMap{}).ParseFS(listingTemplates, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse listing templates: %w", err)
	}
	return &ListingRenderer{templates: tmpl}, nil
}

// Render builds the listing page for relDir. Links are absolute under the
// session prefix so they survive trailing-slash-less directory URLs.
func (r *ListingRenderer) Render(entries []Entry, relDir, sessionID string) ([]byte, error) {
	prefix := "/" + sessionID

	data := listingData{
		Path:    "/" + relDir,
		ZipHref: prefix + "/" + path.Join(relDir, "__download__.zip"),
	}
	if relDir == "" {
		data.Path = "/"
		data.ZipHref = prefix + "/__download__.zip"
	} else {
		parent := path.Dir(relDir)
		if parent == "." {
			parent = ""
		}
		data.ParentHref = prefix + "/" + parent
		if parent != "" {
			data.ParentHref += "/"
		}
	}

	for _, e := range entries {
		le := listingEntry{
			Name:  e.Name,
			Href:  prefix + "/" + e.RelativePath,
			IsDir: e.IsDir,
		}
		if e.IsDir {
			le.Name += "/"
			le.Href += "/"
		} else {
			le.Size = formatSize(e.Size)
		}
		data.Entries = append(data.Entries, le)
	}

	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, "listing.html", data); err != nil {
		return nil, fmt.Errorf("render listing: %w", err)
	}
	return buf.Bytes(), nil
}

func formatSize(size int64) string {
	switch {
	case size >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(size)/(1<<30))
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(size)/(1<<10))
	default:
		return fmt.Sprintf("%d B", size)
	}
}
