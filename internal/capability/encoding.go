package capability

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// DefaultEncoding is the text encoding file capabilities assume.
const DefaultEncoding = "utf-8"

func isUTF8(name string) bool {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return true
	}
	return false
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}

func validateEncoding(name string) error {
	if isUTF8(name) {
		return nil
	}
	if _, err := lookupEncoding(name); err != nil {
		return &ValidationError{Field: "encoding", Message: err.Error()}
	}
	return nil
}

// DecodeText converts data in the named encoding to a Go string.
func DecodeText(data []byte, name string) (string, error) {
	if isUTF8(name) {
		if !utf8.Valid(data) {
			return "", fmt.Errorf("file is not valid %s text; read it with binary=true", DefaultEncoding)
		}
		return string(data), nil
	}
	enc, err := lookupEncoding(name)
	if err != nil {
		return "", err
	}
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", name, err)
	}
	return string(out), nil
}

// EncodeText converts text to bytes in the named encoding.
func EncodeText(text, name string) ([]byte, error) {
	if isUTF8(name) {
		return []byte(text), nil
	}
	enc, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return out, nil
}
