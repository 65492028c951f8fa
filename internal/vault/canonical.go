package vault

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces deterministic JSON: object keys sorted by UTF-16
// code units, strings NFC normalized, no HTML escaping.
func MarshalCanonical(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, value any) error {
	switch typed := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if typed {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return writeCanonicalString(buf, typed)
	case int:
		buf.WriteString(strconv.FormatInt(int64(typed), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(typed), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(typed, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(typed, 10))
	case float64:
		return writeCanonicalFloat(buf, typed)
	case json.Number:
		return writeCanonicalNumber(buf, typed)
	case []any:
		buf.WriteByte('[')
		for index, element := range typed {
			if index > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, element); err != nil {
				return fmt.Errorf("array[%d]: %w", index, err)
			}
		}
		buf.WriteByte(']')
	case []map[string]any:
		elements := make([]any, len(typed))
		for index, element := range typed {
			elements[index] = element
		}
		return writeCanonical(buf, elements)
	case map[string]any:
		buf.WriteByte('{')
		for index, key := range sortedKeys(typed) {
			if index > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonicalString(buf, key); err != nil {
				return fmt.Errorf("key %q: %w", key, err)
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, typed[key]); err != nil {
				return fmt.Errorf("value for key %q: %w", key, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", value)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, value string) error {
	var encoded bytes.Buffer
	encoder := json.NewEncoder(&encoded)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(norm.NFC.String(value)); err != nil {
		return err
	}
	buf.Write(bytes.TrimSuffix(encoded.Bytes(), []byte{'\n'}))
	return nil
}

func writeCanonicalFloat(buf *bytes.Buffer, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("non-finite number %v", value)
	}
	if value == math.Trunc(value) && math.Abs(value) < 1<<53 {
		buf.WriteString(strconv.FormatInt(int64(value), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
	return nil
}

func writeCanonicalNumber(buf *bytes.Buffer, value json.Number) error {
	if integer, err := value.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(integer, 10))
		return nil
	}
	floating, err := value.Float64()
	if err != nil {
		return fmt.Errorf("invalid number %q", value.String())
	}
	return writeCanonicalFloat(buf, floating)
}

func sortedKeys(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return lessUTF16(keys[i], keys[j])
	})
	return keys
}

func lessUTF16(left, right string) bool {
	leftUnits := utf16.Encode([]rune(left))
	rightUnits := utf16.Encode([]rune(right))
	for index := 0; index < len(leftUnits) && index < len(rightUnits); index++ {
		if leftUnits[index] != rightUnits[index] {
			return leftUnits[index] < rightUnits[index]
		}
	}
	return len(leftUnits) < len(rightUnits)
}

// Fingerprint returns the hex SHA-256 of the canonical encoding of statements.
// Two plans with equal fingerprints write identical rows in identical order.
func Fingerprint(statements []Statement) (string, error) {
	encoded := make([]any, len(statements))
	for index, statement := range statements {
		encoded[index] = map[string]any{
			"op":     string(statement.Op),
			"table":  statement.Table,
			"record": statement.Record.ToMap(),
		}
	}
	payload, err := MarshalCanonical(encoded)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}
