package ingest

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"correo/internal/logging"
)

// fallbackEncodings is the fixed order of decode attempts after the
// declared and detected encodings.
var fallbackEncodings = []string{"utf-8", "latin-1", "iso-8859-1", "cp1252"}

// detectSampleSize bounds how much of the upload feeds the detector.
const detectSampleSize = 10 * 1024

// DetectEncoding guesses the text encoding of raw upload bytes using
// byte-frequency heuristics. It only ever answers one of the supported
// fallback encodings; utf-8 wins whenever the sample validates.
func DetectEncoding(data []byte) string {
	sample := data
	if len(sample) > detectSampleSize {
		sample = sample[:detectSampleSize]
	}
	if utf8.Valid(sample) {
		return "utf-8"
	}

	// Windows-1252 occupies 0x80-0x9F with printable punctuation (smart
	// quotes, dashes); in ISO-8859-1 that range is control characters
	// nobody types. A single hit there tips the guess to cp1252.
	var c1Printable int
	for _, b := range sample {
		if b >= 0x80 && b <= 0x9F {
			c1Printable++
		}
	}
	if c1Printable > 0 {
		return "cp1252"
	}
	return "latin-1"
}

func decoderFor(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "utf-8", "utf8", "ascii", "":
		return nil, nil // passthrough, validated separately
	case "latin-1", "latin1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case "cp1252", "windows-1252":
		return charmap.Windows1252.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
}

// decodeAs converts data to UTF-8 using the named encoding, failing on
// invalid input rather than substituting replacement runes.
func decodeAs(data []byte, name string) ([]byte, error) {
	dec, err := decoderFor(name)
	if err != nil {
		return nil, err
	}
	if dec == nil {
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("input is not valid UTF-8")
		}
		return data, nil
	}
	out, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), dec))
	if err != nil {
		return nil, fmt.Errorf("decode as %s failed: %w", name, err)
	}
	return out, nil
}

// decodeWithFallback tries the declared encoding first (when given), then
// the detected one, then the fixed fallback list. Returns the UTF-8 text
// and the encoding that succeeded.
func decodeWithFallback(data []byte, declared string) ([]byte, string, error) {
	attempts := make([]string, 0, len(fallbackEncodings)+2)
	if declared != "" {
		attempts = append(attempts, declared)
	}
	attempts = append(attempts, DetectEncoding(data))
	attempts = append(attempts, fallbackEncodings...)

	tried := make(map[string]bool)
	var lastErr error
	for _, enc := range attempts {
		key := strings.ToLower(strings.TrimSpace(enc))
		if tried[key] {
			continue
		}
		tried[key] = true

		out, err := decodeAs(data, enc)
		if err != nil {
			logging.Get(logging.CategoryIngest).Warn("Encoding %s failed: %v", enc, err)
			lastErr = err
			continue
		}
		return out, key, nil
	}
	return nil, "", fmt.Errorf("no usable encoding among %v: %w", attempts, lastErr)
}
