package feeds

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"

	"github.com/matthewjhunter/courier/internal/storage"
)

// OPML structures for parsing
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Body    OPMLBody `xml:"body"`
}

type OPMLBody struct {
	Outlines []OPMLOutline `xml:"outline"`
}

type OPMLOutline struct {
	Text     string        `xml:"text,attr"`
	Title    string        `xml:"title,attr"`
	Type     string        `xml:"type,attr"`
	XMLURL   string        `xml:"xmlUrl,attr"`
	HTMLURL  string        `xml:"htmlUrl,attr"`
	Outlines []OPMLOutline `xml:"outline"`
}

// ImportOPML adds every feed outline in the file, descending into folders.
// Feeds on YouTube hosts become youtube sources. Outlines that fail to
// validate are skipped with a warning. It returns the number of sources added
// or updated.
func (f *Fetcher) ImportOPML(ctx context.Context, opmlPath string) (int, error) {
	data, err := os.ReadFile(opmlPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read OPML file: %w", err)
	}

	var opml OPML
	if err := xml.Unmarshal(data, &opml); err != nil {
		return 0, fmt.Errorf("failed to parse OPML: %w", err)
	}

	added := 0
	var processOutlines func(outlines []OPMLOutline) error
	processOutlines = func(outlines []OPMLOutline) error {
		for _, outline := range outlines {
			if outline.XMLURL != "" {
				title := outline.Title
				if title == "" {
					title = outline.Text
				}
				src := &storage.Source{URL: outline.XMLURL, Name: title}
				if err := NormalizeSource(src); err != nil {
					f.logger.Warn("skipping OPML outline", "url", outline.XMLURL, "error", err)
				} else if err := f.store.UpsertSource(ctx, src); err != nil {
					return err
				} else {
					added++
				}
			}

			// Process nested outlines (folders)
			if len(outline.Outlines) > 0 {
				if err := processOutlines(outline.Outlines); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := processOutlines(opml.Body.Outlines); err != nil {
		return added, err
	}
	f.logger.Info("imported OPML", "path", opmlPath, "sources", added)
	return added, nil
}
