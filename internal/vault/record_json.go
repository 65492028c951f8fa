package vault

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"
)

// ToMap flattens the record into its key→value form.
// Timestamps become unix milliseconds and DeletedAt is present only when set.
func (r Record) ToMap() map[string]any {
	out := make(map[string]any, len(r.Fields)+5)
	for key, value := range r.Fields {
		out[key] = cloneValue(value)
	}
	out[ColumnID] = r.ID
	out[ColumnCreatedAt] = Millis(r.CreatedAt)
	out[ColumnUpdatedAt] = Millis(r.UpdatedAt)
	out[ColumnIsDeleted] = r.IsDeleted
	if r.DeletedAt != nil {
		out[ColumnDeletedAt] = Millis(*r.DeletedAt)
	} else {
		out[ColumnDeletedAt] = nil
	}
	return out
}

// RecordFromMap parses the key→value form produced by ToMap.
func RecordFromMap(values map[string]any) (Record, error) {
	id, ok := values[ColumnID].(string)
	if !ok {
		return Record{}, fmt.Errorf("%w: missing %s", ErrInvalidRecord, ColumnID)
	}
	if err := ValidateRecordID(id); err != nil {
		return Record{}, err
	}

	createdAt, err := readMillis(values[ColumnCreatedAt])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, ColumnCreatedAt, err)
	}
	updatedAt, err := readMillis(values[ColumnUpdatedAt])
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, ColumnUpdatedAt, err)
	}

	record := Record{
		ID:        id,
		CreatedAt: FromMillis(createdAt),
		UpdatedAt: FromMillis(updatedAt),
	}

	switch deleted := values[ColumnIsDeleted].(type) {
	case nil:
	case bool:
		record.IsDeleted = deleted
	default:
		return Record{}, fmt.Errorf("%w: %s must be a boolean", ErrInvalidRecord, ColumnIsDeleted)
	}

	if raw, present := values[ColumnDeletedAt]; present && raw != nil {
		deletedAtMillis, err := readMillis(raw)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, ColumnDeletedAt, err)
		}
		deletedAt := FromMillis(deletedAtMillis)
		record.DeletedAt = &deletedAt
	}

	for key, value := range values {
		switch key {
		case ColumnID, ColumnCreatedAt, ColumnUpdatedAt, ColumnIsDeleted, ColumnDeletedAt:
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]any)
		}
		record.Fields[key] = cloneValue(value)
	}
	return record, nil
}

func readMillis(raw any) (int64, error) {
	switch value := raw.(type) {
	case int64:
		return value, nil
	case int:
		return int64(value), nil
	case json.Number:
		return value.Int64()
	case float64:
		if value != math.Trunc(value) {
			return 0, fmt.Errorf("fractional milliseconds %v", value)
		}
		return int64(value), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, value)
		if err == nil {
			return Millis(parsed), nil
		}
		return strconv.ParseInt(value, 10, 64)
	case nil:
		return 0, fmt.Errorf("missing timestamp")
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

// MarshalJSON encodes the record with sorted keys and every string byte kept as given.
func (r Record) MarshalJSON() ([]byte, error) {
	return MarshalVerbatim(r.ToMap())
}

// MarshalVerbatim encodes value as JSON without normalizing or replacing any
// string content. Strings that are not valid UTF-8 cannot travel through JSON
// unchanged, so they fail with ErrInvalidRecord instead.
func MarshalVerbatim(value any) ([]byte, error) {
	if err := checkUTF8(value, "$"); err != nil {
		return nil, err
	}
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buffer.Bytes(), []byte{'\n'}), nil
}

func checkUTF8(value any, path string) error {
	switch typed := value.(type) {
	case string:
		if !utf8.ValidString(typed) {
			return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidRecord, path)
		}
	case map[string]any:
		for key, nested := range typed {
			if !utf8.ValidString(key) {
				return fmt.Errorf("%w: key %q under %s is not valid UTF-8", ErrInvalidRecord, key, path)
			}
			if err := checkUTF8(nested, path+"."+key); err != nil {
				return err
			}
		}
	case map[string]string:
		for key, nested := range typed {
			if !utf8.ValidString(key) {
				return fmt.Errorf("%w: key %q under %s is not valid UTF-8", ErrInvalidRecord, key, path)
			}
			if err := checkUTF8(nested, path+"."+key); err != nil {
				return err
			}
		}
	case []any:
		for index, nested := range typed {
			if err := checkUTF8(nested, path+"["+strconv.Itoa(index)+"]"); err != nil {
				return err
			}
		}
	case []string:
		for index, nested := range typed {
			if err := checkUTF8(nested, path+"["+strconv.Itoa(index)+"]"); err != nil {
				return err
			}
		}
	}
	return nil
}

// UnmarshalJSON decodes a flat record object, preserving numbers as json.Number.
func (r *Record) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var values map[string]any
	if err := decoder.Decode(&values); err != nil {
		return err
	}
	parsed, err := RecordFromMap(values)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
