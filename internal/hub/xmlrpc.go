package hub

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

// kwargsMarker flags the trailing struct that carries keyword arguments.
const kwargsMarker = "__starstar"

var ErrMalformed = errors.New("hub: malformed response")

var dateLayouts = []string{
	"20060102T15:04:05",
	"2006-01-02T15:04:05",
	"20060102T15:04:05Z07:00",
	"2006-01-02T15:04:05Z07:00",
}

// Kw holds keyword arguments. Passed as the last argument of a call it is
// split off and sent as kwargs.
type Kw map[string]any

// splitKw separates a trailing Kw from positional arguments.
func splitKw(args []any) ([]any, map[string]any) {
	if n := len(args); n > 0 {
		if kw, ok := args[n-1].(Kw); ok {
			return args[:n-1], map[string]any(kw)
		}
	}
	return args, nil
}

// Params returns the wire parameter list for a call, appending kwargs as a
// marker struct.
func Params(args []any, kwargs map[string]any) []any {
	params := append([]any{}, args...)
	if len(kwargs) > 0 {
		kw := make(map[string]any, len(kwargs)+1)
		for k, v := range kwargs {
			kw[k] = v
		}
		kw[kwargsMarker] = true
		params = append(params, kw)
	}
	return params
}

// SplitParams reverses Params.
func SplitParams(params []any) ([]any, map[string]any) {
	if n := len(params); n > 0 {
		if m, ok := params[n-1].(map[string]any); ok {
			if flag, _ := m[kwargsMarker].(bool); flag {
				kw := make(map[string]any, len(m)-1)
				for k, v := range m {
					if k != kwargsMarker {
						kw[k] = v
					}
				}
				return params[:n-1], kw
			}
		}
	}
	return params, nil
}

// EncodeCall serializes a methodCall document.
func EncodeCall(method string, params []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("<?xml version='1.0'?>\n<methodCall>\n<methodName>")
	xml.EscapeText(&buf, []byte(method))
	buf.WriteString("</methodName>\n<params>\n")
	for _, p := range params {
		buf.WriteString("<param>\n")
		if err := encodeValue(&buf, p); err != nil {
			return nil, fmt.Errorf("encode %s: %w", method, err)
		}
		buf.WriteString("</param>\n")
	}
	buf.WriteString("</params>\n</methodCall>\n")
	return buf.Bytes(), nil
}

// EncodeResponse serializes a successful methodResponse.
func EncodeResponse(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("<?xml version='1.0'?>\n<methodResponse>\n<params>\n<param>\n")
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	buf.WriteString("</param>\n</params>\n</methodResponse>\n")
	return buf.Bytes(), nil
}

// EncodeFault serializes a fault methodResponse.
func EncodeFault(f *Fault) []byte {
	var buf bytes.Buffer
	buf.WriteString("<?xml version='1.0'?>\n<methodResponse>\n<fault>\n")
	_ = encodeValue(&buf, map[string]any{"faultCode": f.Code, "faultString": f.String})
	buf.WriteString("</fault>\n</methodResponse>\n")
	return buf.Bytes()
}

func encodeValue(buf *bytes.Buffer, v any) error {
	buf.WriteString("<value>")
	if err := encodeInner(buf, v); err != nil {
		return err
	}
	buf.WriteString("</value>\n")
	return nil
}

func encodeInner(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("<nil/>")
		return nil
	case bool:
		if val {
			buf.WriteString("<boolean>1</boolean>")
		} else {
			buf.WriteString("<boolean>0</boolean>")
		}
		return nil
	case string:
		buf.WriteString("<string>")
		xml.EscapeText(buf, []byte(val))
		buf.WriteString("</string>")
		return nil
	case []byte:
		buf.WriteString("<base64>")
		buf.WriteString(base64.StdEncoding.EncodeToString(val))
		buf.WriteString("</base64>")
		return nil
	case time.Time:
		buf.WriteString("<dateTime.iso8601>")
		buf.WriteString(val.Format(dateLayouts[0]))
		buf.WriteString("</dateTime.iso8601>")
		return nil
	case Kw:
		return encodeInner(buf, map[string]any(val))
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		writeInt(buf, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return fmt.Errorf("integer %d out of range", u)
		}
		writeInt(buf, int64(u))
	case reflect.Float32, reflect.Float64:
		buf.WriteString("<double>")
		buf.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, 64))
		buf.WriteString("</double>")
	case reflect.String:
		return encodeInner(buf, rv.String())
	case reflect.Bool:
		return encodeInner(buf, rv.Bool())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			buf.WriteString("<array><data></data></array>")
			return nil
		}
		buf.WriteString("<array><data>\n")
		for i := 0; i < rv.Len(); i++ {
			if err := encodeValue(buf, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		buf.WriteString("</data></array>")
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		buf.WriteString("<struct>\n")
		for _, k := range keys {
			buf.WriteString("<member>\n<name>")
			xml.EscapeText(buf, []byte(k))
			buf.WriteString("</name>\n")
			mv := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
			if err := encodeValue(buf, mv.Interface()); err != nil {
				return err
			}
			buf.WriteString("</member>\n")
		}
		buf.WriteString("</struct>")
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			buf.WriteString("<nil/>")
			return nil
		}
		return encodeInner(buf, rv.Elem().Interface())
	default:
		return fmt.Errorf("unsupported type %T", v)
	}
	return nil
}

func writeInt(buf *bytes.Buffer, n int64) {
	tag := "int"
	if n > math.MaxInt32 || n < math.MinInt32 {
		tag = "i8"
	}
	fmt.Fprintf(buf, "<%s>%d</%s>", tag, n, tag)
}

// DecodeCall parses a methodCall document.
func DecodeCall(r io.Reader) (string, []any, error) {
	d := xml.NewDecoder(r)
	root, err := nextStart(d)
	if err != nil {
		return "", nil, err
	}
	if root.Name.Local != "methodCall" {
		return "", nil, fmt.Errorf("%w: unexpected <%s>", ErrMalformed, root.Name.Local)
	}
	var method string
	var params []any
	for {
		tok, err := nextToken(d)
		if err != nil {
			return "", nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "methodName":
				if method, err = readText(d); err != nil {
					return "", nil, err
				}
			case "params":
				if params, err = readParams(d); err != nil {
					return "", nil, err
				}
			default:
				return "", nil, fmt.Errorf("%w: unexpected <%s>", ErrMalformed, t.Name.Local)
			}
		case xml.EndElement:
			return method, params, nil
		}
	}
}

// DecodeResponse parses a methodResponse document. A fault is returned as a
// *Fault error.
func DecodeResponse(r io.Reader) (any, error) {
	d := xml.NewDecoder(r)
	root, err := nextStart(d)
	if err != nil {
		return nil, err
	}
	if root.Name.Local != "methodResponse" {
		return nil, fmt.Errorf("%w: unexpected <%s>", ErrMalformed, root.Name.Local)
	}
	el, err := nextStart(d)
	if err != nil {
		return nil, err
	}
	switch el.Name.Local {
	case "params":
		params, err := readParams(d)
		if err != nil {
			return nil, err
		}
		if len(params) != 1 {
			return nil, fmt.Errorf("%w: expected one param, got %d", ErrMalformed, len(params))
		}
		return params[0], nil
	case "fault":
		v, err := readValueElement(d)
		if err != nil {
			return nil, err
		}
		f, ok := faultFrom(v)
		if !ok {
			return nil, fmt.Errorf("%w: bad fault struct", ErrMalformed)
		}
		return nil, f
	default:
		return nil, fmt.Errorf("%w: unexpected <%s>", ErrMalformed, el.Name.Local)
	}
}

func faultFrom(v any) (*Fault, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	code, ok := m["faultCode"].(int)
	if !ok {
		return nil, false
	}
	msg, _ := m["faultString"].(string)
	return &Fault{Code: code, String: msg}, true
}

func readParams(d *xml.Decoder) ([]any, error) {
	params := []any{}
	for {
		tok, err := nextToken(d)
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "param" {
				return nil, fmt.Errorf("%w: unexpected <%s> in params", ErrMalformed, t.Name.Local)
			}
			v, err := readValueElement(d)
			if err != nil {
				return nil, err
			}
			params = append(params, v)
			if err := expectEnd(d); err != nil {
				return nil, err
			}
		case xml.EndElement:
			return params, nil
		}
	}
}

// readValueElement consumes a full <value>...</value>.
func readValueElement(d *xml.Decoder) (any, error) {
	start, err := nextStart(d)
	if err != nil {
		return nil, err
	}
	if start.Name.Local != "value" {
		return nil, fmt.Errorf("%w: expected <value>, got <%s>", ErrMalformed, start.Name.Local)
	}
	return readValue(d)
}

// readValue reads the contents of a <value> whose start tag was consumed.
func readValue(d *xml.Decoder) (any, error) {
	var text strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			text.Write(t)
		case xml.StartElement:
			v, err := readTyped(d, t)
			if err != nil {
				return nil, err
			}
			if err := expectEnd(d); err != nil {
				return nil, err
			}
			return v, nil
		case xml.EndElement:
			return text.String(), nil
		}
	}
}

func readTyped(d *xml.Decoder, t xml.StartElement) (any, error) {
	switch t.Name.Local {
	case "int", "i4", "i8":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad int %q", ErrMalformed, s)
		}
		return int(n), nil
	case "boolean":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		switch strings.TrimSpace(s) {
		case "1", "true":
			return true, nil
		case "0", "false":
			return false, nil
		}
		return nil, fmt.Errorf("%w: bad boolean %q", ErrMalformed, s)
	case "string":
		return readText(d)
	case "double":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad double %q", ErrMalformed, s)
		}
		return f, nil
	case "dateTime.iso8601":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, nil
			}
		}
		return nil, fmt.Errorf("%w: bad dateTime %q", ErrMalformed, s)
	case "base64":
		s, err := readText(d)
		if err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64", ErrMalformed)
		}
		return b, nil
	case "nil":
		if err := d.Skip(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, nil
	case "array":
		return readArray(d)
	case "struct":
		return readStruct(d)
	}
	return nil, fmt.Errorf("%w: unknown type <%s>", ErrMalformed, t.Name.Local)
}

func readArray(d *xml.Decoder) (any, error) {
	data, err := nextStart(d)
	if err != nil {
		return nil, err
	}
	if data.Name.Local != "data" {
		return nil, fmt.Errorf("%w: expected <data>", ErrMalformed)
	}
	items := []any{}
	for {
		tok, err := nextToken(d)
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "value" {
				return nil, fmt.Errorf("%w: unexpected <%s> in array", ErrMalformed, t.Name.Local)
			}
			v, err := readValue(d)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		case xml.EndElement:
			// </data>, then </array>
			if err := expectEnd(d); err != nil {
				return nil, err
			}
			return items, nil
		}
	}
}

func readStruct(d *xml.Decoder) (any, error) {
	m := map[string]any{}
	for {
		tok, err := nextToken(d)
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != "member" {
				return nil, fmt.Errorf("%w: unexpected <%s> in struct", ErrMalformed, t.Name.Local)
			}
			name, v, err := readMember(d)
			if err != nil {
				return nil, err
			}
			m[name] = v
		case xml.EndElement:
			return m, nil
		}
	}
}

func readMember(d *xml.Decoder) (string, any, error) {
	var name string
	var value any
	for {
		tok, err := nextToken(d)
		if err != nil {
			return "", nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				if name, err = readText(d); err != nil {
					return "", nil, err
				}
			case "value":
				if value, err = readValue(d); err != nil {
					return "", nil, err
				}
			default:
				return "", nil, fmt.Errorf("%w: unexpected <%s> in member", ErrMalformed, t.Name.Local)
			}
		case xml.EndElement:
			return name, value, nil
		}
	}
}

// readText collects character data up to the matching end tag.
func readText(d *xml.Decoder) (string, error) {
	var sb strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			return sb.String(), nil
		case xml.StartElement:
			return "", fmt.Errorf("%w: unexpected <%s> in text", ErrMalformed, t.Name.Local)
		}
	}
}

// nextToken skips whitespace, comments and processing instructions.
func nextToken(d *xml.Decoder) (xml.Token, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: unexpected text %q", ErrMalformed, string(t))
		case xml.Comment, xml.ProcInst, xml.Directive:
			continue
		default:
			return tok, nil
		}
	}
}

func nextStart(d *xml.Decoder) (xml.StartElement, error) {
	tok, err := nextToken(d)
	if err != nil {
		return xml.StartElement{}, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return xml.StartElement{}, fmt.Errorf("%w: expected start element", ErrMalformed)
	}
	return start, nil
}

func expectEnd(d *xml.Decoder) error {
	tok, err := nextToken(d)
	if err != nil {
		return err
	}
	if _, ok := tok.(xml.EndElement); !ok {
		return fmt.Errorf("%w: expected end element", ErrMalformed)
	}
	return nil
}
