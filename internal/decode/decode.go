// Package decode turns raw feed bytes into text before parsing.
package decode

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	appLog "icsimport/internal/log"
)

// ErrUndecodable is returned when no encoding in the chain accepts the input.
var ErrUndecodable = errors.New("decode: input is not valid in any configured encoding")

// DefaultChain is tried when the caller passes no chain: strict UTF-8, then
// ISO-8859-1 which accepts any byte sequence.
var DefaultChain = []string{"utf-8", "iso-8859-1"}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode converts data to text. hint, when non-empty, is tried before the
// chain. It returns the text and the canonical name of the encoding used.
// Unknown encoding names are skipped.
func Decode(data []byte, hint string, chain []string) (string, string, error) {
	if chain == nil {
		chain = DefaultChain
	}

	candidates := make([]string, 0, len(chain)+1)
	if hint != "" {
		candidates = append(candidates, hint)
	}
	candidates = append(candidates, chain...)

	for _, name := range candidates {
		text, used, ok := tryDecode(data, name)
		if ok {
			return text, used, nil
		}
	}
	return "", "", ErrUndecodable
}

func tryDecode(data []byte, name string) (string, string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "utf-8", "utf8":
		data = bytes.TrimPrefix(data, utf8BOM)
		if !utf8.Valid(data) {
			return "", "", false
		}
		return string(data), "utf-8", true
	case "utf-16", "utf16":
		// Only accepted with a byte order mark; without one the bytes are
		// far more likely to be some 8-bit encoding.
		return decodeWith(unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), data, "utf-16")
	case "iso-8859-1", "iso8859-1", "latin1", "latin-1", "l1":
		// WHATWG maps these labels to windows-1252; keep real Latin-1.
		return decodeWith(charmap.ISO8859_1, data, "iso-8859-1")
	}

	enc, err := htmlindex.Get(key)
	if err != nil {
		appLog.Debug("decode: unknown encoding skipped", "encoding", name)
		return "", "", false
	}
	canonical, err := htmlindex.Name(enc)
	if err != nil {
		canonical = key
	}
	return decodeWith(enc, data, canonical)
}

func decodeWith(enc encoding.Encoding, data []byte, name string) (string, string, bool) {
	out, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", "", false
	}
	return string(out), name, true
}
