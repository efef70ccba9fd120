package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/lead-ingest/internal/model"
	"github.com/sells-group/lead-ingest/internal/queue"
	"github.com/sells-group/lead-ingest/internal/status"
)

// Supported upload formats.
const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)

// Splitter turns one uploaded file into batch units. It records
// totalBatches on the status record before enqueueing anything, so a
// fast processor can never observe an unset total.
type Splitter struct {
	batchSize int
	status    status.Service
	queue     queue.Queue
}

// NewSplitter creates a Splitter with a fixed batch size.
func NewSplitter(batchSize int, st status.Service, q queue.Queue) *Splitter {
	return &Splitter{batchSize: batchSize, status: st, queue: q}
}

// Split parses the file, fixes the batch count, and enqueues every
// unit. It returns the number of units enqueued. Parse failures and
// empty files move the upload to the error state and are not retried.
func (s *Splitter) Split(ctx context.Context, fileBytes []byte, format, uploadID, fileName string) (int, error) {
	log := zap.L().With(zap.String("upload_id", uploadID), zap.String("file", fileName))

	rows, err := parseFile(fileBytes, format)
	if err != nil {
		log.Error("file parse failed", zap.Error(err))
		// The stored message must not echo file content.
		if _, serr := s.status.SetError(ctx, uploadID, "uploaded file could not be parsed", CodeParse); serr != nil {
			log.Warn("failed to record parse error", zap.Error(serr))
		}
		return 0, &ParseError{Err: err}
	}

	if len(rows) == 0 {
		log.Warn("file contained no data rows")
		if _, serr := s.status.SetError(ctx, uploadID, "uploaded file contains no data rows", CodeNoData); serr != nil {
			log.Warn("failed to record empty-file error", zap.Error(serr))
		}
		return 0, &NoDataError{FileName: fileName}
	}

	units := partition(rows, s.batchSize, uploadID, fileName)

	// Ordering matters: the total must be durable before the first unit
	// can be dequeued.
	if _, err := s.status.BeginProcessing(ctx, uploadID, len(units)); err != nil {
		return 0, eris.Wrapf(err, "splitter: begin processing %s", uploadID)
	}

	for _, unit := range units {
		if err := s.queue.Enqueue(ctx, unit); err != nil {
			return 0, eris.Wrapf(err, "splitter: enqueue %s/%d", uploadID, unit.BatchIndex)
		}
	}

	if _, err := s.status.MarkBatchProcessing(ctx, uploadID); err != nil {
		log.Warn("failed to bump stage", zap.Error(err))
	}

	log.Info("file split into batch units",
		zap.Int("rows", len(rows)),
		zap.Int("batches", len(units)),
		zap.Int("batch_size", s.batchSize),
	)
	return len(units), nil
}

// partition groups rows into fixed-size units; the last unit may be
// short. len(units) == ceil(len(rows)/batchSize).
func partition(rows []model.RawRow, batchSize int, uploadID, fileName string) []model.BatchUnit {
	total := (len(rows) + batchSize - 1) / batchSize
	units := make([]model.BatchUnit, 0, total)

	for i := 0; i < len(rows); i += batchSize {
		end := i + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		units = append(units, model.BatchUnit{
			UploadID:     uploadID,
			BatchIndex:   len(units),
			TotalBatches: total,
			SourceFile:   fileName,
			Rows:         rows[i:end],
		})
	}
	return units
}

func parseFile(fileBytes []byte, format string) ([]model.RawRow, error) {
	switch strings.ToLower(format) {
	case FormatXLSX:
		return parseXLSX(fileBytes)
	case FormatCSV:
		return parseCSV(fileBytes)
	default:
		return nil, eris.Errorf("splitter: unsupported format %q", format)
	}
}

// parseXLSX flattens every non-empty sheet in file order into one row
// stream, tagging each row with its sheet name. The first row of each
// sheet is its header.
func parseXLSX(fileBytes []byte) ([]model.RawRow, error) {
	f, err := xlsx.OpenBinary(fileBytes)
	if err != nil {
		return nil, eris.Wrap(err, "splitter: open xlsx")
	}

	var rows []model.RawRow
	for _, sheet := range f.Sheets {
		if len(sheet.Rows) < 2 {
			// No header or no data; skip without error.
			continue
		}

		header := cellValues(sheet.Rows[0])
		for _, row := range sheet.Rows[1:] {
			cells := cellValues(row)
			fields := zipRow(header, cells)
			if len(fields) == 0 {
				continue
			}
			rows = append(rows, model.RawRow{Sheet: sheet.Name, Fields: fields})
		}
	}
	return rows, nil
}

func cellValues(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		out[i] = cell.String()
	}
	return out
}

// parseCSV reads a single logical sheet: header row first, variable
// field counts tolerated.
func parseCSV(fileBytes []byte) ([]model.RawRow, error) {
	reader := csv.NewReader(bytes.NewReader(fileBytes))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "splitter: read csv header")
	}

	var rows []model.RawRow
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "splitter: read csv row")
		}

		fields := zipRow(header, record)
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, model.RawRow{Fields: fields})
	}
	return rows, nil
}

// zipRow pairs header names with cell values, dropping empty cells.
// Extra cells beyond the header get positional keys from the sheet.
func zipRow(header, cells []string) map[string]string {
	fields := make(map[string]string, len(cells))
	for i, val := range cells {
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		key := ""
		if i < len(header) {
			key = strings.TrimSpace(header[i])
		}
		if key == "" {
			continue
		}
		fields[key] = val
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
