package hub

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeCall(t *testing.T) {
	when := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	params := Params(
		[]any{"buildhost-01", 42, true, 1.5, []byte("raw"), when, nil, []any{"a", 2}},
		map[string]any{"force": true, "comment": "x<y"},
	)
	body, err := EncodeCall("addHost", params)
	if err != nil {
		t.Fatalf("EncodeCall: %v", err)
	}
	if !bytes.Contains(body, []byte("<methodName>addHost</methodName>")) {
		t.Fatalf("method name missing from %s", body)
	}
	if !bytes.Contains(body, []byte("x&lt;y")) {
		t.Fatalf("string not escaped in %s", body)
	}

	method, got, err := DecodeCall(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeCall: %v", err)
	}
	if method != "addHost" {
		t.Fatalf("method = %q", method)
	}
	args, kwargs := SplitParams(got)
	want := []any{"buildhost-01", 42, true, 1.5, []byte("raw"), when, nil, []any{"a", 2}}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %#v, want %#v", args, want)
	}
	if !reflect.DeepEqual(kwargs, map[string]any{"force": true, "comment": "x<y"}) {
		t.Fatalf("kwargs = %#v", kwargs)
	}
}

func TestParamsWithoutKwargs(t *testing.T) {
	params := Params([]any{"a"}, nil)
	if len(params) != 1 {
		t.Fatalf("params = %#v", params)
	}
	args, kwargs := SplitParams(params)
	if len(args) != 1 || kwargs != nil {
		t.Fatalf("args=%#v kwargs=%#v", args, kwargs)
	}
}

func TestSplitParamsIgnoresPlainStruct(t *testing.T) {
	params := []any{map[string]any{"name": "x"}}
	args, kwargs := SplitParams(params)
	if len(args) != 1 || kwargs != nil {
		t.Fatalf("plain struct taken as kwargs: args=%#v kwargs=%#v", args, kwargs)
	}
}

func TestSplitKw(t *testing.T) {
	args, kw := splitKw([]any{"tag", "pkg", Kw{"force": true}})
	if len(args) != 2 || kw["force"] != true {
		t.Fatalf("args=%#v kw=%#v", args, kw)
	}
	args, kw = splitKw([]any{"tag"})
	if len(args) != 1 || kw != nil {
		t.Fatalf("args=%#v kw=%#v", args, kw)
	}
}

func TestDecodeResponse(t *testing.T) {
	body, err := EncodeResponse(map[string]any{"id": 7, "name": "b", "tags": []string{"x"}})
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	v, err := DecodeResponse(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	want := map[string]any{"id": 7, "name": "b", "tags": []any{"x"}}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("value = %#v", v)
	}
}

func TestDecodeResponseUntypedString(t *testing.T) {
	doc := `<?xml version="1.0"?><methodResponse><params><param><value>plain</value></param></params></methodResponse>`
	v, err := DecodeResponse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if v != "plain" {
		t.Fatalf("value = %#v", v)
	}
}

func TestDecodeFault(t *testing.T) {
	body := EncodeFault(&Fault{Code: FaultAuthExpired, String: "session expired"})
	_, err := DecodeResponse(bytes.NewReader(body))
	var f *Fault
	if !errors.As(err, &f) {
		t.Fatalf("expected *Fault, got %v", err)
	}
	if f.Code != FaultAuthExpired || f.String != "session expired" {
		t.Fatalf("fault = %+v", f)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"wrong root": `<foo/>`,
		"bad int":    `<methodResponse><params><param><value><int>x</int></value></param></params></methodResponse>`,
		"bad type":   `<methodResponse><params><param><value><blob>1</blob></value></param></params></methodResponse>`,
		"truncated":  `<methodResponse><params><param><value><string>a`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse(strings.NewReader(doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if KindOf(err) != KindProtocol {
				t.Fatalf("kind = %v for %v", KindOf(err), err)
			}
		})
	}
}

func TestEncodeUnsupported(t *testing.T) {
	if _, err := EncodeCall("x", []any{make(chan int)}); err == nil {
		t.Fatal("expected error for channel param")
	}
	if _, err := EncodeCall("x", []any{map[int]string{1: "a"}}); err == nil {
		t.Fatal("expected error for non-string map key")
	}
}
