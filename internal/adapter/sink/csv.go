// Package sink writes crawl results as append-only CSV files, one per task.
package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"github.com/poiplane/poiplane/internal/domain"
	"github.com/poiplane/poiplane/pkg/textx"
)

// utf8BOM makes spreadsheet tools detect the encoding; the catalog labels
// are CJK and open garbled without it.
var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var header = []string{
	"id", "name", "type", "type_code", "address", "location",
	"tel", "business_area", "poi_type", "province", "city", "district",
}

// CSVSink appends POI rows under a results directory created on demand.
// One writer per file by construction: the executor admits a single run per
// task and each task owns its file.
type CSVSink struct {
	dir string
}

// NewCSV constructs a sink rooted at dir.
func NewCSV(dir string) *CSVSink { return &CSVSink{dir: dir} }

// Path resolves the on-disk location of a result file.
func (s *CSVSink) Path(resultFile string) string {
	// Strip any path components an operator-supplied task id could smuggle in.
	return filepath.Join(s.dir, filepath.Base(resultFile))
}

// Append writes pois tagged with the category label. The first write to a
// file emits the BOM and header row.
func (s *CSVSink) Append(_ domain.Context, resultFile, label string, pois []domain.POI) error {
	if len(pois) == 0 {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("op=sink.append: mkdir: %w", err)
	}
	path := s.Path(resultFile)

	fresh := true
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		fresh = false
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) // #nosec G304 -- path is rooted in the results dir
	if err != nil {
		return fmt.Errorf("op=sink.append: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	if fresh {
		if _, err := f.Write(utf8BOM); err != nil {
			return fmt.Errorf("op=sink.append: bom: %w", err)
		}
	}

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("op=sink.append: header: %w", err)
		}
	}
	for _, p := range pois {
		row := []string{
			textx.SanitizeCell(p.ID),
			textx.SanitizeCell(p.Name),
			textx.SanitizeCell(p.Type),
			textx.SanitizeCell(p.TypeCode),
			textx.SanitizeCell(p.Address),
			textx.SanitizeCell(p.Location),
			textx.SanitizeCell(p.Tel),
			textx.SanitizeCell(p.BusinessArea),
			textx.SanitizeCell(label),
			textx.SanitizeCell(p.Province),
			textx.SanitizeCell(p.City),
			textx.SanitizeCell(p.District),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("op=sink.append: row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("op=sink.append: flush: %w", err)
	}
	return nil
}
