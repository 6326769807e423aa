package filter

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"nostr-relay-tray/nrt/model"
)

// Filter is the compiled form of one rule's conditions. It is never mutated
// after Compile returns.
type Filter struct {
	IDs      map[string]struct{}
	Authors  map[string]struct{}
	NAuthors map[string]struct{}
	Kinds    map[int]struct{}
	NKinds   map[int]struct{}
	// each inner slice is one group of "name:value" entries
	Tags      [][]string
	NTags     [][]string
	Contents  []*regexp.Regexp
	NContents []*regexp.Regexp
}

// ConditionError points at the condition (and value, when known) that failed.
type ConditionError struct {
	Index int
	Field string
	Value any
	Err   error
}

func (e *ConditionError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("condition %d (%s): value %v: %v", e.Index, e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("condition %d (%s): %v", e.Index, e.Field, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

func newFilter() *Filter {
	return &Filter{
		IDs:      map[string]struct{}{},
		Authors:  map[string]struct{}{},
		NAuthors: map[string]struct{}{},
		Kinds:    map[int]struct{}{},
		NKinds:   map[int]struct{}{},
	}
}

// Compile turns conditions into a Filter. Values that fail to decode are
// dropped and reported; the remaining conditions still apply.
func Compile(conds []model.RuleCondition) (*Filter, []*ConditionError) {
	f := newFilter()
	var errs []*ConditionError

	for i, c := range conds {
		field, tagName := splitField(c.FieldName)
		if field == "" || len(c.Values) == 0 {
			continue
		}
		negate, err := parseOperator(c.Operator)
		if err != nil {
			errs = append(errs, &ConditionError{Index: i, Field: field, Err: err})
			continue
		}
		fail := func(v any, err error) {
			errs = append(errs, &ConditionError{Index: i, Field: field, Value: v, Err: err})
		}

		switch field {
		case model.FieldID:
			if negate {
				errs = append(errs, &ConditionError{Index: i, Field: field, Err: fmt.Errorf("operator %s not supported", model.OperatorNotIn)})
				continue
			}
			for _, v := range c.Values {
				id, err := decodeID(v)
				if err != nil {
					fail(v, err)
					continue
				}
				f.IDs[id] = struct{}{}
			}

		case model.FieldAuthor:
			dst := pick(negate, f.NAuthors, f.Authors)
			for _, v := range c.Values {
				pk, err := decodePubkey(v)
				if err != nil {
					fail(v, err)
					continue
				}
				dst[pk] = struct{}{}
			}

		case model.FieldKind:
			dst := pick(negate, f.NKinds, f.Kinds)
			for _, v := range c.Values {
				k, err := toKind(v)
				if err != nil {
					fail(v, err)
					continue
				}
				dst[k] = struct{}{}
			}

		case model.FieldTag:
			var group []string
			for _, v := range c.Values {
				t, err := toTag(tagName, v)
				if err != nil {
					fail(v, err)
					continue
				}
				group = append(group, t)
			}
			if len(group) == 0 {
				continue
			}
			if negate {
				f.NTags = append(f.NTags, group)
			} else {
				f.Tags = append(f.Tags, group)
			}

		case model.FieldContent:
			for _, v := range c.Values {
				s, ok := v.(string)
				if !ok {
					fail(v, fmt.Errorf("pattern must be a string"))
					continue
				}
				re, err := regexp.Compile(s)
				if err != nil {
					fail(v, err)
					continue
				}
				if negate {
					f.NContents = append(f.NContents, re)
				} else {
					f.Contents = append(f.Contents, re)
				}
			}

		default:
			errs = append(errs, &ConditionError{Index: i, Field: c.FieldName, Err: fmt.Errorf("unknown field")})
		}
	}
	return f, errs
}

// splitField accepts "tag", "tag:t" and "#t".
func splitField(name string) (field, tagName string) {
	name = strings.TrimSpace(name)
	switch {
	case strings.HasPrefix(name, "#") && len(name) > 1:
		return model.FieldTag, name[1:]
	case strings.HasPrefix(name, model.FieldTag+":") && len(name) > len(model.FieldTag)+1:
		return model.FieldTag, name[len(model.FieldTag)+1:]
	default:
		return strings.ToLower(name), ""
	}
}

func parseOperator(op string) (negate bool, err error) {
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "", model.OperatorIn:
		return false, nil
	case model.OperatorNotIn:
		return true, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func pick[T comparable](negate bool, neg, pos map[T]struct{}) map[T]struct{} {
	if negate {
		return neg
	}
	return pos
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

var ErrInvalidPubkey = errors.New("invalid public key")

// ParsePubkey accepts hex, npub or nprofile and returns lowercase hex.
func ParsePubkey(s string) (string, error) {
	pk, err := decodePubkey(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPubkey, err)
	}
	return pk, nil
}

func decodePubkey(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("author must be a string")
	}
	s = strings.TrimSpace(s)
	if isHex64(s) {
		return strings.ToLower(s), nil
	}
	prefix, data, err := nip19.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode %q: %w", s, err)
	}
	switch prefix {
	case "npub":
		if pk, ok := data.(string); ok {
			return pk, nil
		}
	case "nprofile":
		switch pp := data.(type) {
		case nostr.ProfilePointer:
			return pp.PublicKey, nil
		case *nostr.ProfilePointer:
			return pp.PublicKey, nil
		}
	}
	return "", fmt.Errorf("%q is not a public key (%s)", s, prefix)
}

func decodeID(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("id must be a string")
	}
	s = strings.TrimSpace(s)
	if isHex64(s) {
		return strings.ToLower(s), nil
	}
	prefix, data, err := nip19.Decode(s)
	if err != nil {
		return "", fmt.Errorf("decode %q: %w", s, err)
	}
	if prefix == "note" {
		if id, ok := data.(string); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("%q is not an event id (%s)", s, prefix)
}

var errKindRange = fmt.Errorf("kind must be an integer between 0 and %d", math.MaxUint16)

func toKind(v any) (int, error) {
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int64:
		n = t
	case float64:
		if t != math.Trunc(t) || t < 0 || t > math.MaxUint16 {
			return 0, errKindRange
		}
		n = int64(t)
	case string:
		var err error
		if n, err = strconv.ParseInt(strings.TrimSpace(t), 10, 64); err != nil {
			return 0, errKindRange
		}
	default:
		return 0, fmt.Errorf("kind must be a number")
	}
	if n < 0 || n > math.MaxUint16 {
		return 0, errKindRange
	}
	return int(n), nil
}

func toTag(tagName string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		if tagName == "" {
			return "", fmt.Errorf("tag must be a string")
		}
		s = fmt.Sprint(v)
	}
	if tagName != "" {
		return tagName + ":" + s, nil
	}
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return "", fmt.Errorf("tag must look like name:value")
	}
	return s, nil
}
