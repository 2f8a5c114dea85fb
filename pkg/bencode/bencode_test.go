package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "integer", input: "i42e"},
		{name: "negative integer", input: "i-3e"},
		{name: "string", input: "4:spam"},
		{name: "empty string", input: "0:"},
		{name: "list", input: "l4:spami1ee"},
		{name: "nested dict", input: "d3:cowd3:moo4:spamee"},
		{name: "empty input", input: "", wantErr: ErrUnexpectedEOF},
		{name: "unterminated integer", input: "i42", wantErr: ErrUnexpectedEOF},
		{name: "bad integer", input: "iabce", wantErr: ErrSyntax},
		{name: "short string", input: "5:eggs", wantErr: ErrUnexpectedEOF},
		{name: "unterminated list", input: "l4:spam", wantErr: ErrUnexpectedEOF},
		{name: "unknown token", input: "x", wantErr: ErrSyntax},
		{name: "trailing data", input: "i1ei2e", wantErr: ErrTrailingData},
		{name: "plain text", input: "hello world", wantErr: ErrSyntax},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Valid([]byte(tc.input))
			if tc.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestRawValue(t *testing.T) {
	t.Parallel()

	data := []byte("d8:announce3:url4:infod6:lengthi5e4:name1:ae5:otheri1ee")

	raw, err := RawValue(data, "info")
	require.NoError(t, err)
	assert.Equal(t, "d6:lengthi5e4:name1:ae", string(raw))

	raw, err = RawValue(data, "announce")
	require.NoError(t, err)
	assert.Equal(t, "3:url", string(raw))

	_, err = RawValue(data, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = RawValue([]byte("li1ee"), "info")
	assert.ErrorIs(t, err, ErrNotDict)
}

func TestEncodeSortsKeys(t *testing.T) {
	t.Parallel()

	b, err := Encode(Dict{"peers": List{}, "interval": int64(900)})
	require.NoError(t, err)
	assert.Equal(t, "d8:intervali900e5:peerslee", string(b))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	in := Dict{
		"interval": int64(900),
		"peers": List{
			Dict{"peer id": "\x00\x01binary\xffid-of-20b", "ip": "10.0.0.1", "port": int64(6881)},
		},
	}

	b, err := Encode(in)
	require.NoError(t, err)

	out, err := DecodeDict(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeDictRejectsOtherValues(t *testing.T) {
	t.Parallel()

	_, err := DecodeDict([]byte("li1ee"))
	assert.ErrorIs(t, err, ErrNotDict)

	_, err = DecodeDict([]byte("d3:fooi1e"))
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}
