package agi

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Composite caller-ID names as they appear in Asterisk.
const (
	VarCallerID     = "CALLERID"
	VarCallerIDAll  = "CALLERID(all)"
	VarCallerIDName = "CALLERID(name)"
	VarCallerIDNum  = "CALLERID(num)"

	// Legacy aliases
	VarCallerIDNameLegacy = "CALLERIDNAME"
	VarCallerIDNumLegacy  = "CALLERIDNUM"

	VarDialStatus = "DIALSTATUS"
	VarAMDStatus  = "AMDSTATUS"
	VarAMDCause   = "AMDCAUSE"
)

type callerIDField int

const (
	fieldNone callerIDField = iota
	fieldName
	fieldNum
	fieldAll
)

var (
	// "Name" <Number>, both parts optional
	callerIDPattern = regexp.MustCompile(`^\s*(?:"([^"]*)")?\s*(?:<([^>]*)>)?\s*$`)
	dialablePattern = regexp.MustCompile(`^[0-9+*#]+$`)
)

func callerIDAlias(key string) callerIDField {
	switch strings.ToUpper(key) {
	case "CALLERIDNAME", "CALLERID(NAME)":
		return fieldName
	case "CALLERIDNUM", "CALLERID(NUM)":
		return fieldNum
	case "CALLERID", "CALLERID(ALL)":
		return fieldAll
	}
	return fieldNone
}

// VariableStore holds a session's channel variables. The caller-ID names
// alias a composite name/number pair instead of flat entries.
type VariableStore struct {
	vars map[string]string

	name *string
	num  *string
}

// NewVariableStore creates a store seeded with vars. Seeded caller-ID keys go
// through the same aliasing as Set.
func NewVariableStore(seed map[string]string) *VariableStore {
	s := &VariableStore{vars: make(map[string]string)}
	keys := make([]string, 0, len(seed))
	for k := range seed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// A malformed seeded CALLERID is kept out rather than failing the call.
		_ = s.Set(k, seed[k])
	}
	return s
}

// NewVariableStoreJSON seeds a store from a JSON object. Non-string values
// are stored in their JSON text form.
func NewVariableStoreJSON(blob []byte) (*VariableStore, error) {
	if len(strings.TrimSpace(string(blob))) == 0 {
		return NewVariableStore(nil), nil
	}
	var raw map[string]any
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, fmt.Errorf("parse channel variables: %w", err)
	}
	seed := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			seed[k] = val
		case nil:
			seed[k] = ""
		default:
			b, _ := json.Marshal(val)
			seed[k] = string(b)
		}
	}
	return NewVariableStore(seed), nil
}

// Set stores value under key.
func (s *VariableStore) Set(key, value string) error {
	if callerIDAlias(key) == fieldAll {
		return s.setCallerID(value)
	}
	s.setFlat(key, value)
	return nil
}

// setFlat stores value under any key except the composite CALLERID(all),
// which needs parsing and can fail.
func (s *VariableStore) setFlat(key, value string) {
	switch callerIDAlias(key) {
	case fieldName:
		s.name = &value
	case fieldNum:
		s.num = &value
	default:
		s.vars[key] = value
	}
}

func (s *VariableStore) setCallerID(value string) error {
	if !strings.ContainsAny(value, `"<>`) {
		v := strings.TrimSpace(value)
		if dialablePattern.MatchString(v) {
			s.num = &v
		} else {
			s.name = &v
		}
		return nil
	}

	m := callerIDPattern.FindStringSubmatchIndex(value)
	if m == nil {
		return fmt.Errorf("%w: %q", ErrInvalidCallerID, value)
	}
	if m[2] >= 0 {
		name := value[m[2]:m[3]]
		s.name = &name
	}
	if m[4] >= 0 {
		num := value[m[4]:m[5]]
		s.num = &num
	}
	return nil
}

// Get returns the value stored under key.
func (s *VariableStore) Get(key string) (string, bool) {
	switch callerIDAlias(key) {
	case fieldName:
		if s.name == nil {
			return "", false
		}
		return *s.name, true
	case fieldNum:
		if s.num == nil {
			return "", false
		}
		return *s.num, true
	case fieldAll:
		return s.callerID()
	}
	v, ok := s.vars[key]
	return v, ok
}

func (s *VariableStore) callerID() (string, bool) {
	switch {
	case s.name != nil && s.num != nil:
		return `"` + *s.name + `" <` + *s.num + `>`, true
	case s.name != nil:
		return `"` + *s.name + `"`, true
	case s.num != nil:
		return "<" + *s.num + ">", true
	}
	return "", false
}

// Has reports whether key is set.
func (s *VariableStore) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Each calls fn for every stored variable in name order. The caller-ID
// composite is reported as CALLERID(name) and CALLERID(num).
func (s *VariableStore) Each(fn func(key, value string)) {
	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, s.vars[k])
	}
	if s.name != nil {
		fn(VarCallerIDName, *s.name)
	}
	if s.num != nil {
		fn(VarCallerIDNum, *s.num)
	}
}

// Normalized returns a copy of the variables with keys safe to use as JSON
// field or header names.
func (s *VariableStore) Normalized() map[string]string {
	all := make(map[string]string, len(s.vars)+2)
	s.Each(func(k, v string) {
		all[k] = v
	})
	return normalizeKeys(all)
}

// normalizeKeys strips parentheses from every key: CALLERID(num) becomes
// CALLERIDnum.
func normalizeKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	strip := strings.NewReplacer("(", "", ")", "")
	for k, v := range m {
		out[strip.Replace(k)] = v
	}
	return out
}
