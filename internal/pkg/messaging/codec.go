package messaging

import (
	"encoding"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"strings"
	"time"
)

type bodyKind int

const (
	bodyText bodyKind = iota
	bodyRecord
	bodyObject
)

// Body is the logical payload handed to the Hub. Build one with Text, Record
// or Object; the zero value behaves like Text("").
type Body struct {
	kind   bodyKind
	text   string
	record map[string]any
	object any
}

// Text wraps a raw string payload. It bypasses validation and serialization
// and crosses the adapter boundary unchanged.
func Text(s string) Body {
	return Body{kind: bodyText, text: s}
}

// Record wraps a structured payload. It is validated for encodability before
// being JSON-encoded.
func Record(m map[string]any) Body {
	return Body{kind: bodyRecord, record: m}
}

// Object wraps an arbitrary JSON-encodable value. It skips the validation
// walk and relies on the encoder rejecting what it cannot handle.
func Object(v any) Body {
	return Body{kind: bodyObject, object: v}
}

// Serialize converts a logical payload into wire text.
func Serialize(b Body) (string, error) {
	switch b.kind {
	case bodyRecord:
		if err := validateRecord(b.record); err != nil {
			return "", err
		}
		buf, err := json.Marshal(b.record)
		if err != nil {
			return "", &ValidationError{Key: "", Reason: err.Error()}
		}
		return string(buf), nil
	case bodyObject:
		buf, err := json.Marshal(b.object)
		if err != nil {
			return "", &ValidationError{Key: "", Reason: err.Error()}
		}
		return string(buf), nil
	default:
		return b.text, nil
	}
}

// Deserialize converts wire text back into a structured value when it holds a
// JSON object or array. Anything else, including valid JSON scalars and
// quoted strings, is returned as the original text so that round-tripping is
// lossy-safe rather than guessy.
func Deserialize(text string) any {
	if text == "" {
		return ""
	}

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return text
	}
	// Trailing content means the input was not a single JSON document.
	if _, err := dec.Token(); err != io.EOF {
		return text
	}

	switch v.(type) {
	case map[string]any, []any:
		return v
	default:
		return text
	}
}

// validateRecord walks a structured payload and rejects values that have no
// sensible wire representation, naming the exact key that offends.
func validateRecord(m map[string]any) error {
	for k, v := range m {
		if err := validateValue(k, v); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, v any) error {
	switch t := v.(type) {
	case nil, string, bool, json.Number,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case time.Time, *time.Time, time.Duration:
		// Date/time-like values are always allowed.
		return nil
	case *os.File:
		return &ValidationError{Key: path, Reason: "raw OS resource handle"}
	case net.Conn:
		return &ValidationError{Key: path, Reason: "raw network resource handle"}
	case map[string]any:
		for k, nested := range t {
			if err := validateValue(path+"."+k, nested); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, nested := range t {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), nested); err != nil {
				return err
			}
		}
		return nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return &ValidationError{Key: path, Reason: rv.Kind().String() + " value"}
	case reflect.Slice, reflect.Array:
		for i := range rv.Len() {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if err := validateValue(fmt.Sprintf("%s.%v", path, iter.Key().Interface()), iter.Value().Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
	}

	// Nested objects must opt into an explicit wire representation.
	switch v.(type) {
	case json.Marshaler, encoding.TextMarshaler, fmt.Stringer, error:
		return nil
	}
	return &ValidationError{
		Key:    path,
		Reason: fmt.Sprintf("%T has no text conversion or JSON encoding support", v),
	}
}
