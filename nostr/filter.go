package nostr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ishtarservices/TheWired-sub000/errors"
)

// Filter is one REQ filter. Tags holds the #<name> constraints keyed by the
// bare tag name.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   *int
	Search  string
	Tags    map[string][]string
}

// Int64 and Int return pointers for the optional numeric fields
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }

// MarshalJSON flattens Tags into #<name> keys
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 7+len(f.Tags))
	if f.IDs != nil {
		m["ids"] = f.IDs
	}
	if f.Authors != nil {
		m["authors"] = f.Authors
	}
	if f.Kinds != nil {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit != nil {
		m["limit"] = *f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	for name, values := range f.Tags {
		if values == nil {
			values = []string{}
		}
		m["#"+name] = values
	}
	return marshalNoEscape(m)
}

// UnmarshalJSON reads the known keys and every #<name> key
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			f.Since = new(int64)
			err = json.Unmarshal(value, f.Since)
		case key == "until":
			f.Until = new(int64)
			err = json.Unmarshal(value, f.Until)
		case key == "limit":
			f.Limit = new(int)
			err = json.Unmarshal(value, f.Limit)
		case key == "search":
			err = json.Unmarshal(value, &f.Search)
		case strings.HasPrefix(key, "#") && len(key) > 1:
			var values []string
			err = json.Unmarshal(value, &values)
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = values
		}
		if err != nil {
			return fmt.Errorf("filter field %q: %w", key, err)
		}
	}
	return nil
}

// Matches reports whether e satisfies every constraint of the filter.
// Search is a relay side concern and is ignored here.
func (f Filter) Matches(e Event) bool {
	if f.IDs != nil && !containsString(f.IDs, e.ID) {
		return false
	}
	if f.Authors != nil && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if f.Kinds != nil && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		found := false
		for _, v := range e.Tags.All(name) {
			if containsString(values, v) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// TagNames returns the sorted names of the tag constraints
func (f Filter) TagNames() []string {
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const filterSchema = `{
  "type": "object",
  "properties": {
    "ids":     {"type": "array", "items": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}},
    "authors": {"type": "array", "items": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}},
    "kinds":   {"type": "array", "items": {"type": "integer", "minimum": 0}},
    "since":   {"type": "integer", "minimum": 0},
    "until":   {"type": "integer", "minimum": 0},
    "limit":   {"type": "integer", "minimum": 0},
    "search":  {"type": "string"}
  },
  "patternProperties": {
    "^#.+$": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledFilterSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(filterSchema))
	})
	return schema, schemaErr
}

// ValidateFilter checks the JSON shape of a filter. Errors wrap
// errors.ErrInvalidFilter and name the offending fields.
func ValidateFilter(f Filter) error {
	s, err := compiledFilterSchema()
	if err != nil {
		return errors.WrapFatal(err, "nostr", "ValidateFilter", "compile filter schema")
	}

	doc, err := json.Marshal(f)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidFilter, err),
			"nostr", "ValidateFilter", "marshal filter")
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidFilter, err),
			"nostr", "ValidateFilter", "validate filter")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidFilter, strings.Join(msgs, "; ")),
			"nostr", "ValidateFilter", "validate filter")
	}

	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return errors.WrapInvalid(fmt.Errorf("%w: since is after until", errors.ErrInvalidFilter),
			"nostr", "ValidateFilter", "validate filter")
	}
	return nil
}

// ValidateFilters validates each filter and requires at least one
func ValidateFilters(filters []Filter) error {
	if len(filters) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: no filters", errors.ErrInvalidFilter),
			"nostr", "ValidateFilters", "validate filters")
	}
	for _, f := range filters {
		if err := ValidateFilter(f); err != nil {
			return err
		}
	}
	return nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(values []int, v int) bool {
	for _, n := range values {
		if n == v {
			return true
		}
	}
	return false
}
