package legacy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Legacy signatures cover the output of Python's json.dumps with
// sort_keys=True and ensure_ascii=True. encoding/json differs in separators,
// escaping and float formatting, so the bytes are produced here.

type pyEncoder struct {
	buf    bytes.Buffer
	indent int
}

// pyDumps renders v like json.dumps(v, sort_keys=True). indent > 0 matches
// json.dumps(v, indent=indent, sort_keys=True).
func pyDumps(v any, indent int) ([]byte, error) {
	e := &pyEncoder{indent: indent}
	if err := e.value(v, 0); err != nil {
		return nil, err
	}
	return e.buf.Bytes(), nil
}

func (e *pyEncoder) newline(level int) {
	e.buf.WriteByte('\n')
	e.buf.WriteString(strings.Repeat(" ", e.indent*level))
}

func (e *pyEncoder) sep(level int) {
	if e.indent > 0 {
		e.buf.WriteByte(',')
		e.newline(level)
		return
	}
	e.buf.WriteString(", ")
}

func (e *pyEncoder) value(v any, level int) error {
	switch x := v.(type) {
	case nil:
		e.buf.WriteString("null")
	case bool:
		if x {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
	case string:
		e.str(x)
	case json.Number:
		// Python reads integers exactly and everything else as float.
		if !strings.ContainsAny(x.String(), ".eE") {
			e.buf.WriteString(x.String())
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return err
		}
		s, err := pyFloat(f)
		if err != nil {
			return err
		}
		e.buf.WriteString(s)
	case int:
		e.buf.WriteString(strconv.Itoa(x))
	case int64:
		e.buf.WriteString(strconv.FormatInt(x, 10))
	case uint64:
		e.buf.WriteString(strconv.FormatUint(x, 10))
	case float64:
		s, err := pyFloat(x)
		if err != nil {
			return err
		}
		e.buf.WriteString(s)
	case []any:
		if len(x) == 0 {
			e.buf.WriteString("[]")
			return nil
		}
		e.buf.WriteByte('[')
		if e.indent > 0 {
			e.newline(level + 1)
		}
		for i, item := range x {
			if i > 0 {
				e.sep(level + 1)
			}
			if err := e.value(item, level+1); err != nil {
				return err
			}
		}
		if e.indent > 0 {
			e.newline(level)
		}
		e.buf.WriteByte(']')
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return e.value(items, level)
	case map[string]any:
		if len(x) == 0 {
			e.buf.WriteString("{}")
			return nil
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		// UTF-8 byte order is code point order, which is how Python sorts str.
		sort.Strings(keys)
		e.buf.WriteByte('{')
		if e.indent > 0 {
			e.newline(level + 1)
		}
		for i, k := range keys {
			if i > 0 {
				e.sep(level + 1)
			}
			e.str(k)
			e.buf.WriteString(": ")
			if err := e.value(x[k], level+1); err != nil {
				return err
			}
		}
		if e.indent > 0 {
			e.newline(level)
		}
		e.buf.WriteByte('}')
	default:
		return fmt.Errorf("legacy: cannot encode %T", v)
	}
	return nil
}

const hexDigits = "0123456789abcdef"

func (e *pyEncoder) str(s string) {
	e.buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		default:
			if r >= 0x20 && r <= 0x7e {
				e.buf.WriteRune(r)
				continue
			}
			if r > 0xffff {
				hi, lo := utf16.EncodeRune(r)
				e.u4(hi)
				e.u4(lo)
				continue
			}
			e.u4(r)
		}
	}
	e.buf.WriteByte('"')
}

func (e *pyEncoder) u4(r rune) {
	e.buf.WriteString(`\u`)
	e.buf.WriteByte(hexDigits[(r>>12)&0xf])
	e.buf.WriteByte(hexDigits[(r>>8)&0xf])
	e.buf.WriteByte(hexDigits[(r>>4)&0xf])
	e.buf.WriteByte(hexDigits[r&0xf])
}

// pyFloat renders f like Python's float.__repr__: shortest round-trip
// digits, positional for decimal exponents in [-4, 16).
func pyFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("legacy: cannot encode %v", f)
	}
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	exp, err := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if err != nil {
		return "", err
	}
	if exp < -4 || exp >= 16 {
		return sci, nil
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s, nil
}
