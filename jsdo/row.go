package jsdo

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
)

// Row is the payload of a record: field name to JSON-compatible value.
type Row = map[string]any

// Reserved local fields.
const (
	FieldID          = "_id"
	FieldErrorString = "_errorString"
	FieldRejected    = "_rejected"
)

// Transport-only fields. They never persist in steady-state row data.
const (
	prodsPrefix     = "prods:"
	prodsRowState   = "prods:rowState"
	prodsClientID   = "prods:clientId"
	prodsID         = "prods:id"
	prodsHasChanges = "prods:hasChanges"
	prodsHasErrors  = "prods:hasErrors"
	prodsRejected   = "prods:rejected"
	prodsBefore     = "prods:before"
	prodsErrors     = "prods:errors"
	prodsError      = "prods:error"

	rowStateCreated  = "created"
	rowStateModified = "modified"
	rowStateDeleted  = "deleted"

	// rejectedSentinel marks a row rejected without a message.
	rejectedSentinel = "REJECTED"
)

func isReserved(name string) bool {
	return name == FieldID || name == FieldErrorString || name == FieldRejected
}

func isTransportField(name string) bool {
	return strings.HasPrefix(name, prodsPrefix)
}

func rowID(r Row) string {
	id, _ := r[FieldID].(string)
	return id
}

// cloneValue deep copies JSON containers so snapshots do not alias live data.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []Row:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func stripTransportFields(r Row) {
	maps.DeleteFunc(r, func(k string, _ any) bool { return isTransportField(k) })
}

func clearRowError(r Row) {
	delete(r, FieldErrorString)
	delete(r, FieldRejected)
}

// annotateRowError records a server rejection on r. The REJECTED sentinel
// flags the row without an error string.
func annotateRowError(r Row, msg string) {
	r[FieldRejected] = true
	if msg == "" || msg == rejectedSentinel {
		delete(r, FieldErrorString)
		return
	}
	r[FieldErrorString] = msg
}

func isRejected(r Row) bool {
	b, _ := r[FieldRejected].(bool)
	return b
}

// formatID renders an id-property value as an index key.
func formatID(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) && !math.IsInf(x, 0) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	case json.Number:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// asRows converts a decoded JSON array into rows. Non-object elements are an
// error.
func asRows(v any) ([]Row, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []Row:
		return x, nil
	case []any:
		out := make([]Row, 0, len(x))
		for i, e := range x {
			m, ok := e.(map[string]any)
			if !ok {
				return nil, invalidArgument("element %d is %T, not an object", i, e)
			}
			out = append(out, m)
		}
		return out, nil
	case map[string]any:
		return []Row{x}, nil
	default:
		return nil, invalidArgument("expected an array of objects, got %T", v)
	}
}
