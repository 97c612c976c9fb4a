// Package annotation converts external box encodings (CSV rows, JSON request
// records and detector output) into types.BoundingBox values.
package annotation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/menta2k/annotation-cropper/pkg/cropper"
	"github.com/menta2k/annotation-cropper/pkg/types"
)

// Column and key names of the two box encodings
const (
	KeyTLX = "TL_x"
	KeyTLY = "TL_y"
	KeyBRX = "BR_x"
	KeyBRY = "BR_y"
	KeyX   = "x"
	KeyY   = "y"
	KeyW   = "w"
	KeyH   = "h"
)

// Record is one loosely typed box as it arrives in a JSON request body
type Record map[string]any

// FromRecord picks the box encoding from the keys present: both "x" and "w"
// select origin-size form, anything else is read as corner form.
func FromRecord(rec Record) (types.BoundingBox, error) {
	_, hasX := rec[KeyX]
	_, hasW := rec[KeyW]

	if hasX && hasW {
		v, err := numbers(rec, KeyX, KeyY, KeyW, KeyH)
		if err != nil {
			return types.BoundingBox{}, err
		}
		return types.NewOriginSize(types.OriginSize{X: v[0], Y: v[1], W: v[2], H: v[3]}), nil
	}

	v, err := numbers(rec, KeyTLX, KeyTLY, KeyBRX, KeyBRY)
	if err != nil {
		return types.BoundingBox{}, err
	}
	return types.NewCorners(types.Corners{TLX: v[0], TLY: v[1], BRX: v[2], BRY: v[3]}), nil
}

// RecordError records why the record at Index was rejected
type RecordError struct {
	Index int   `json:"index"`
	Err   error `json:"-"`
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d: %v", e.Index, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// ParseRecord decodes one entry of a JSON box list, keeping numbers as
// json.Number. An entry that is not a JSON object is ErrInvalidBoxFormat.
func ParseRecord(raw json.RawMessage) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", cropper.ErrInvalidBoxFormat, err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: box must be a JSON object, got %s", cropper.ErrInvalidBoxFormat, jsonKind(v))
	}
	return Record(obj), nil
}

// FromRawRecords converts every entry of a JSON box list independently. Boxes
// keep the order of the entries that converted; indexes maps each box back to
// its entry.
func FromRawRecords(raws []json.RawMessage) (boxes []types.BoundingBox, indexes []int, failed []RecordError) {
	for i, raw := range raws {
		box, err := fromRaw(raw)
		if err != nil {
			failed = append(failed, RecordError{Index: i, Err: err})
			continue
		}
		boxes = append(boxes, box)
		indexes = append(indexes, i)
	}
	return boxes, indexes, failed
}

func fromRaw(raw json.RawMessage) (types.BoundingBox, error) {
	rec, err := ParseRecord(raw)
	if err != nil {
		return types.BoundingBox{}, err
	}
	return FromRecord(rec)
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case json.Number:
		return "a number"
	case bool:
		return "a boolean"
	case []any:
		return "an array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// FromDetections converts detector output into corner-form boxes
func FromDetections(dets []types.Detection) []types.BoundingBox {
	boxes := make([]types.BoundingBox, 0, len(dets))
	for _, d := range dets {
		boxes = append(boxes, types.NewCorners(d.Box))
	}
	return boxes
}

func numbers(rec Record, keys ...string) ([]float64, error) {
	out := make([]float64, len(keys))
	for i, key := range keys {
		raw, ok := rec[key]
		if !ok || raw == nil {
			return nil, fmt.Errorf("%w: missing field %q", cropper.ErrInvalidBoxFormat, key)
		}
		v, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", cropper.ErrInvalidBoxFormat, key, err)
		}
		out[i] = v
	}
	return out, nil
}

func toFloat(raw any) (float64, error) {
	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n.String())
		}
		v = f
	case string:
		f, err := parseFloat(n)
		if err != nil {
			return 0, err
		}
		v = f
	default:
		return 0, fmt.Errorf("unsupported value type %T", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite value %v", v)
	}
	return v, nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return f, nil
}
