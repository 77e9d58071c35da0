// Package labgob wraps encoding/gob with the warnings every 6.5840-style
// lab grows to rely on: it is easy to gob-encode a struct with unexported
// fields and get back zero values with no error at all. LabEncoder and
// LabDecoder are drop-in replacements for gob.Encoder/gob.Decoder that log
// once per offending type instead of staying silent.
package labgob

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

var logger = zap.NewNop().Sugar()

// SetLogger swaps the package-level logger used for the one-shot warnings.
func SetLogger(l *zap.SugaredLogger) {
	if l != nil {
		logger = l
	}
}

var (
	mu       sync.Mutex
	warned   = make(map[string]bool)
	checked  = make(map[reflect.Type]bool)
	checkMux sync.Mutex
)

type LabEncoder struct {
	gob *gob.Encoder
}

func NewEncoder(w io.Writer) *LabEncoder {
	return &LabEncoder{gob: gob.NewEncoder(w)}
}

func (e *LabEncoder) Encode(v interface{}) error {
	checkValue(v)
	return e.gob.Encode(v)
}

func (e *LabEncoder) EncodeValue(v reflect.Value) error {
	checkValue(v.Interface())
	return e.gob.EncodeValue(v)
}

type LabDecoder struct {
	gob *gob.Decoder
}

func NewDecoder(r io.Reader) *LabDecoder {
	return &LabDecoder{gob: gob.NewDecoder(r)}
}

func (d *LabDecoder) Decode(v interface{}) error {
	checkValue(v)
	checkDefault(v)
	return d.gob.Decode(v)
}

func Register(value interface{}) {
	gob.Register(value)
}

func RegisterName(name string, value interface{}) {
	gob.RegisterName(name, value)
}

// checkValue warns (once per type) if v has any exported-but-zero-looking
// field that is actually unexported, which gob silently drops.
func checkValue(v interface{}) {
	checkType(reflect.TypeOf(v))
}

func checkType(t reflect.Type) {
	if t == nil {
		return
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	checkMux.Lock()
	already := checked[t]
	checked[t] = true
	checkMux.Unlock()
	if already {
		return
	}
	if t.Kind() != reflect.Struct {
		return
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		rune1, _ := utf8.DecodeRuneInString(f.Name)
		if !unicode.IsUpper(rune1) {
			warnOnce(fmt.Sprintf(
				"labgob warning: %s field %s is lower-case, not encoded/decoded by gob",
				t.Name(), f.Name))
		}
	}
}

// checkDefault runs before the gob decode and only returns early when v
// is not a non-nil pointer; it inspects no field values and never warns.
func checkDefault(v interface{}) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return
	}
}

func warnOnce(msg string) {
	mu.Lock()
	defer mu.Unlock()
	if warned[msg] {
		return
	}
	warned[msg] = true
	logger.Warn(msg)
}

// Encode is a convenience helper used throughout kvraft: gob-encode v into
// a fresh buffer, using a brand new Encoder so the stream always carries
// its own type descriptors (we never want to amortize them across
// messages the way a long-lived gob.Encoder would).
func Encode(v interface{}) []byte {
	buf := new(bytes.Buffer)
	if err := NewEncoder(buf).Encode(v); err != nil {
		panic(fmt.Sprintf("labgob: encode %T: %v", v, err))
	}
	return buf.Bytes()
}

// Decode gob-decodes b into v, returning the decode error instead of
// panicking -- callers that need to try more than one destination type
// rely on this returning a real error.
func Decode(b []byte, v interface{}) error {
	return NewDecoder(bytes.NewReader(b)).Decode(v)
}
