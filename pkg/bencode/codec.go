// Package bencode wraps github.com/jackpal/bencode-go behind the small value
// model the tracker and metainfo code work with: int64, string, []any and
// map[string]any.
package bencode

import (
	"bytes"
	"fmt"
	"io"

	bencode "github.com/jackpal/bencode-go"
)

type (
	List = []any
	Dict = map[string]any
)

func Encode(v any) ([]byte, error) {

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		return nil, fmt.Errorf("bencode: encode: %w", err)
	}

	return buf.Bytes(), nil
}

func EncodeTo(w io.Writer, v any) error {
	return bencode.Marshal(w, v)
}

// Decode parses exactly one value; trailing bytes are an error.
func Decode(data []byte) (any, error) {

	if err := Valid(data); err != nil {
		return nil, err
	}

	v, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("bencode: decode: %w", err)
	}

	return v, nil
}

func DecodeDict(data []byte) (Dict, error) {

	v, err := Decode(data)
	if err != nil {
		return nil, err
	}

	d, ok := v.(Dict)
	if !ok {
		return nil, ErrNotDict
	}

	return d, nil
}
