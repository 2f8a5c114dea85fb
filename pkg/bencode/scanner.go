package bencode

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrUnexpectedEOF = errors.New("bencode: unexpected end of input")
	ErrSyntax        = errors.New("bencode: invalid syntax")
	ErrTrailingData  = errors.New("bencode: trailing data after value")
	ErrNotDict       = errors.New("bencode: value is not a dictionary")
	ErrKeyNotFound   = errors.New("bencode: key not found")
)

// scanner walks encoded input without building values, so callers can get at
// the exact bytes of a sub-value. Hashing the info dictionary depends on that.
type scanner struct {
	input []byte
	pos   int
}

func newScanner(data []byte) *scanner {
	return &scanner{input: data}
}

func (s *scanner) peek() (byte, error) {
	if s.pos >= len(s.input) {
		return 0, ErrUnexpectedEOF
	}
	return s.input[s.pos], nil
}

// skip advances past one complete value.
func (s *scanner) skip() error {

	c, err := s.peek()
	if err != nil {
		return err
	}

	switch {
	case c == 'i':
		return s.skipInteger()
	case c == 'l':
		s.pos++
		for {
			c, err := s.peek()
			if err != nil {
				return err
			}
			if c == 'e' {
				s.pos++
				return nil
			}
			if err := s.skip(); err != nil {
				return err
			}
		}
	case c == 'd':
		s.pos++
		for {
			c, err := s.peek()
			if err != nil {
				return err
			}
			if c == 'e' {
				s.pos++
				return nil
			}
			if _, err := s.readString(); err != nil {
				return fmt.Errorf("dictionary key: %w", err)
			}
			if err := s.skip(); err != nil {
				return err
			}
		}
	case c >= '0' && c <= '9':
		_, err := s.readString()
		return err
	default:
		return fmt.Errorf("%w: unexpected byte %q at offset %d", ErrSyntax, c, s.pos)
	}
}

func (s *scanner) skipInteger() error {

	start := s.pos + 1
	end := start
	for end < len(s.input) && s.input[end] != 'e' {
		end++
	}
	if end >= len(s.input) {
		return ErrUnexpectedEOF
	}

	if _, err := strconv.ParseInt(string(s.input[start:end]), 10, 64); err != nil {
		return fmt.Errorf("%w: integer at offset %d", ErrSyntax, s.pos)
	}
	s.pos = end + 1

	return nil
}

func (s *scanner) readString() ([]byte, error) {

	start := s.pos
	colon := start
	for colon < len(s.input) && s.input[colon] != ':' {
		if s.input[colon] < '0' || s.input[colon] > '9' {
			return nil, fmt.Errorf("%w: string length at offset %d", ErrSyntax, start)
		}
		colon++
	}
	if colon >= len(s.input) {
		return nil, ErrUnexpectedEOF
	}

	size, err := strconv.Atoi(string(s.input[start:colon]))
	if err != nil {
		return nil, fmt.Errorf("%w: string length at offset %d", ErrSyntax, start)
	}

	begin := colon + 1
	if size > len(s.input)-begin {
		return nil, ErrUnexpectedEOF
	}
	s.pos = begin + size

	return s.input[begin:s.pos], nil
}

// RawValue returns the encoded bytes stored under key in the top level
// dictionary of data. The returned slice aliases data.
func RawValue(data []byte, key string) ([]byte, error) {

	s := newScanner(data)

	c, err := s.peek()
	if err != nil {
		return nil, err
	}
	if c != 'd' {
		return nil, ErrNotDict
	}
	s.pos++

	for {
		c, err := s.peek()
		if err != nil {
			return nil, err
		}
		if c == 'e' {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}

		k, err := s.readString()
		if err != nil {
			return nil, fmt.Errorf("dictionary key: %w", err)
		}

		start := s.pos
		if err := s.skip(); err != nil {
			return nil, err
		}

		if string(k) == key {
			return data[start:s.pos], nil
		}
	}
}

// Valid reports whether data holds exactly one well formed value.
func Valid(data []byte) error {

	s := newScanner(data)
	if err := s.skip(); err != nil {
		return err
	}
	if s.pos != len(data) {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, len(data)-s.pos)
	}

	return nil
}
