package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/arkfield/shuttle/internal/schema"
)

// Reader reads an archive. The schema document is parsed at Open; record
// data is decoded on demand by Data.
type Reader struct {
	zr   *zip.ReadCloser
	s    *schema.Schema
	data *zip.File
	atts map[string]*zip.File
}

// Open opens an archive and parses its schema document.
func Open(p string) (*Reader, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", p, err)
	}
	zr.RegisterDecompressor(zip.Deflate, func(r io.Reader) io.ReadCloser {
		return flate.NewReader(r)
	})

	rd := &Reader{zr: zr, atts: make(map[string]*zip.File)}
	var schemaFile *zip.File
	for _, f := range zr.File {
		switch {
		case f.Name == schemaEntryName:
			schemaFile = f
		case f.Name == dataEntryName:
			rd.data = f
		case strings.HasPrefix(f.Name, attachmentPrefix) && !strings.HasSuffix(f.Name, "/"):
			rd.atts[strings.TrimPrefix(f.Name, attachmentPrefix)] = f
		}
	}
	if schemaFile == nil {
		zr.Close()
		return nil, fmt.Errorf("archive %s: %w", p, ErrNoSchema)
	}

	sc, err := schemaFile.Open()
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("archive %s: opening schema document: %w", p, err)
	}
	s, err := schema.Read(sc)
	sc.Close()
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("archive %s: %w", p, err)
	}
	rd.s = s
	return rd, nil
}

// Schema returns the archive's parsed schema document.
func (r *Reader) Schema() *schema.Schema { return r.s }

// Data decodes every entity section of the data document, typing record
// values through the archive's schema.
func (r *Reader) Data() ([]*EntityData, error) {
	if r.data == nil {
		return nil, ErrNoData
	}
	f, err := r.data.Open()
	if err != nil {
		return nil, fmt.Errorf("opening data document: %w", err)
	}
	defer f.Close()
	return readData(f, r.s)
}

// Attachments lists the archive's blob names, sorted.
func (r *Reader) Attachments() []string {
	names := make([]string, 0, len(r.atts))
	for n := range r.atts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OpenAttachment opens one blob for reading. The caller closes it.
func (r *Reader) OpenAttachment(name string) (io.ReadCloser, error) {
	f, ok := r.atts[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNoAttachment)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening attachment %s: %w", name, err)
	}
	return rc, nil
}

// Close closes the underlying archive file.
func (r *Reader) Close() error { return r.zr.Close() }
