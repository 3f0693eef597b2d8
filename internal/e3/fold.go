package e3

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"
)

// headerLineLength is the base64 chunk width of folded header values.
const headerLineLength = 76

// FoldBase64 encodes data as standard base64 split into chunks separated
// by single spaces. The header writer folds long fields at those spaces,
// so the value survives transport line-length limits.
func FoldBase64(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)

	chunks := make([]string, 0, len(encoded)/headerLineLength+1)
	for i := 0; i < len(encoded); i += headerLineLength {
		end := min(i+headerLineLength, len(encoded))
		chunks = append(chunks, encoded[i:end])
	}

	return strings.Join(chunks, " ")
}

// UnfoldBase64 strips all whitespace (folds included) from a header value
// and decodes it as standard base64.
func UnfoldBase64(value string) ([]byte, error) {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, value)

	data, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("decoding folded base64: %w", err)
	}
	return data, nil
}
