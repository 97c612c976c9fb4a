package annotation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// RowError records why a CSV data row was skipped. Row is 1-based and does
// not count the header.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

// Batch is the outcome of reading a CSV of boxes
type Batch struct {
	Boxes   []types.BoundingBox
	Skipped []RowError
}

// ParseCSV reads a header row followed by rows carrying TL_x, TL_y, BR_x and
// BR_y columns. Rows with a missing or non-numeric field are logged and
// skipped. Only an unreadable header or an I/O failure fails the call.
func ParseCSV(r io.Reader, logger *zap.Logger) (Batch, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return Batch{}, nil
	}
	if err != nil {
		return Batch{}, fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := columns[name]; !dup {
			columns[name] = i
		}
	}

	var batch Batch
	for row := 1; ; row++ {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if !errors.As(err, &parseErr) {
				return batch, fmt.Errorf("failed to read CSV row %d: %w", row, err)
			}
			batch.skip(logger, row, err)
			continue
		}

		box, err := cornersFromRow(columns, fields)
		if err != nil {
			batch.skip(logger, row, err)
			continue
		}
		batch.Boxes = append(batch.Boxes, box)
	}

	logger.Debug("parsed CSV boxes",
		zap.Int("boxes", len(batch.Boxes)),
		zap.Int("skipped", len(batch.Skipped)))

	return batch, nil
}

func (b *Batch) skip(logger *zap.Logger, row int, err error) {
	logger.Error("error processing CSV row", zap.Int("row", row), zap.Error(err))
	b.Skipped = append(b.Skipped, RowError{Row: row, Err: err})
}

func cornersFromRow(columns map[string]int, fields []string) (types.BoundingBox, error) {
	keys := [4]string{KeyTLX, KeyTLY, KeyBRX, KeyBRY}
	var v [4]float64

	for i, key := range keys {
		idx, ok := columns[key]
		if !ok || idx >= len(fields) {
			return types.BoundingBox{}, fmt.Errorf("%w: missing field %q", cropper.ErrInvalidBoxFormat, key)
		}
		f, err := parseFloat(fields[idx])
		if err != nil {
			return types.BoundingBox{}, fmt.Errorf("%w: field %q: %v", cropper.ErrInvalidBoxFormat, key, err)
		}
		v[i] = f
	}

	return types.NewCorners(types.Corners{TLX: v[0], TLY: v[1], BRX: v[2], BRY: v[3]}), nil
}
