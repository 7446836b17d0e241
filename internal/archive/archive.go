// Package archive reads and writes the portable migration archive: a zip
// holding data_schema.xml, data.xml, and optional attachments/ blobs.
// Unknown elements and attributes in either document are skipped, so
// archives produced by newer tools still load.
package archive

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/arkfield/shuttle/internal/schema"
)

const (
	schemaEntryName  = "data_schema.xml"
	dataEntryName    = "data.xml"
	attachmentPrefix = "attachments/"
)

var (
	// ErrNoSchema reports an archive without a schema document.
	ErrNoSchema = errors.New("archive has no data_schema.xml")
	// ErrNoData reports an archive without a data document.
	ErrNoData = errors.New("archive has no data.xml")
	// ErrNoAttachment reports a blob name the archive does not carry.
	ErrNoAttachment = errors.New("attachment not in archive")
)

// Writer builds an archive on disk. Entity sections accumulate in a spool
// file and land in data.xml when Close assembles the zip, so attachments
// can be added between entities. Methods are not safe for concurrent use;
// the exporter funnels all writes through a single goroutine.
type Writer struct {
	f     *os.File
	zw    *zip.Writer
	spool *os.File
	enc   *xml.Encoder

	wroteSchema bool
	entities    map[string]bool
	closed      bool
	err         error
}

// Create opens path for writing and prepares an empty archive. The file is
// not a valid archive until Close returns nil.
func Create(p string) (*Writer, error) {
	f, err := os.Create(p)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	spool, err := os.CreateTemp(filepath.Dir(p), ".shuttle-data-*")
	if err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("creating archive spool: %w", err)
	}

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	w := &Writer{f: f, zw: zw, spool: spool, entities: make(map[string]bool)}
	w.enc = xml.NewEncoder(spool)
	w.enc.Indent("  ", "  ")
	return w, nil
}

// WriteSchema stores the schema document. It must be called exactly once
// before Close.
func (w *Writer) WriteSchema(s *schema.Schema) error {
	if w.err != nil {
		return w.err
	}
	if w.wroteSchema {
		return w.fail(errors.New("schema document already written"))
	}
	e, err := w.zw.Create(schemaEntryName)
	if err != nil {
		return w.fail(fmt.Errorf("creating %s: %w", schemaEntryName, err))
	}
	if err := schema.Write(e, s); err != nil {
		return w.fail(err)
	}
	w.wroteSchema = true
	return nil
}

// AppendEntity adds one entity's records and associations to the data
// document. Each entity may be appended once; sections appear in call
// order.
func (w *Writer) AppendEntity(d *EntityData) error {
	if w.err != nil {
		return w.err
	}
	name := strings.ToLower(d.Entity)
	if name == "" {
		return w.fail(errors.New("entity data without a name"))
	}
	if w.entities[name] {
		return w.fail(fmt.Errorf("entity %s appended twice", name))
	}
	if err := w.enc.Encode(encodeEntityData(d)); err != nil {
		return w.fail(fmt.Errorf("encoding %s data: %w", name, err))
	}
	w.entities[name] = true
	return nil
}

// AddAttachment stores a blob under attachments/. Names use forward
// slashes; leading slashes and parent traversals are stripped.
func (w *Writer) AddAttachment(name string, r io.Reader) error {
	if w.err != nil {
		return w.err
	}
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "." {
		return w.fail(fmt.Errorf("bad attachment name %q", name))
	}
	e, err := w.zw.Create(attachmentPrefix + clean)
	if err != nil {
		return w.fail(fmt.Errorf("creating attachment %s: %w", clean, err))
	}
	if _, err := io.Copy(e, r); err != nil {
		return w.fail(fmt.Errorf("writing attachment %s: %w", clean, err))
	}
	return nil
}

// Close assembles data.xml from the spooled entity sections and writes the
// zip directory. A Writer that saw any error closes without producing a
// valid archive and returns that error.
func (w *Writer) Close() error {
	if w.closed {
		return errors.New("archive already closed")
	}
	w.closed = true

	err := w.err
	if err == nil && !w.wroteSchema {
		err = ErrNoSchema
	}
	if err == nil {
		err = w.finishData()
	}
	if cerr := w.zw.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("finalizing archive: %w", cerr)
	}
	w.spool.Close()
	os.Remove(w.spool.Name())
	if cerr := w.f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("closing archive: %w", cerr)
	}
	return err
}

func (w *Writer) fail(err error) error {
	w.err = err
	return err
}

func (w *Writer) finishData() error {
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding data spool: %w", err)
	}
	e, err := w.zw.Create(dataEntryName)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dataEntryName, err)
	}
	if _, err := io.WriteString(e, xml.Header+"<entities>\n"); err != nil {
		return fmt.Errorf("writing %s: %w", dataEntryName, err)
	}
	if _, err := io.Copy(e, w.spool); err != nil {
		return fmt.Errorf("writing %s: %w", dataEntryName, err)
	}
	if _, err := io.WriteString(e, "\n</entities>\n"); err != nil {
		return fmt.Errorf("writing %s: %w", dataEntryName, err)
	}
	return nil
}
