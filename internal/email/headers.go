package email

import "strings"

// Header is a single name/value pair.
type Header struct {
	Name  string
	Value string
}

// Headers is an insertion-ordered header list without duplicate names.
// Names compare case-insensitively.
type Headers []Header

// Set adds a header or replaces the value of an existing one, keeping its
// original position.
func (h *Headers) Set(name, value string) {
	for i := range *h {
		if strings.EqualFold((*h)[i].Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Get returns the value for name, or "" if absent.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Has reports whether name is present.
func (h Headers) Has(name string) bool {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// ValidHeaderName reports whether name is a non-empty RFC 5322 field name:
// printable ASCII without spaces or colons.
func ValidHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; c < '!' || c > '~' || c == ':' {
			return false
		}
	}
	return true
}
