package utils

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts v to a protobuf Struct through its JSON form, so json tags decide field names.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("%T is not a JSON object: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// FromStruct decodes s into out through its JSON form. A nil Struct leaves out untouched.
func FromStruct(s *structpb.Struct, out any) error {
	if s == nil {
		return nil
	}
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// StringField returns the trimmed string field key of s, or "".
func StringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}

// ParseYMD parses a YYYY-MM-DD date as midnight UTC.
func ParseYMD(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
}

// ParseOptionalYMD is ParseYMD for optional inputs: blank gives nil.
func ParseOptionalYMD(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := ParseYMD(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func StrOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
