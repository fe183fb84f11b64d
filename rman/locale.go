package rman

import (
	"errors"
	"strings"
)

// A Locale is a language code of the form `xx_YY` (e.g. `en_US`). The
// territory part is normalized to upper case.
type Locale string

// ErrInvalidLocale is returned when a locale code is not of the `xx_YY`
// form.
var ErrInvalidLocale = errors.New("invalid locale code")

// ParseLocale validates and normalizes a locale code.
func ParseLocale(s string) (Locale, error) {
	if len(s) != 5 || s[2] != '_' {
		return "", ErrInvalidLocale
	}
	lang, terr := s[:2], s[3:]
	for i := 0; i < 2; i++ {
		if lang[i] < 'a' || lang[i] > 'z' {
			return "", ErrInvalidLocale
		}
		c := terr[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return "", ErrInvalidLocale
		}
	}
	return Locale(lang + "_" + strings.ToUpper(terr)), nil
}

// A LocaleSet is a bitmask over the manifest's locale table. The zero set
// means the file is not localized and applies everywhere.
type LocaleSet uint64

// Has reports whether the locale with the given table ID is in the set.
func (s LocaleSet) Has(id uint8) bool {
	return s&(1<<id) != 0
}

// LocaleEntry associates a locale table ID with its code.
type LocaleEntry struct {
	ID     uint8
	Locale Locale
}

// Locales expands a set against the manifest's locale table.
func (m *Manifest) Locales(set LocaleSet) []Locale {
	var out []Locale
	for _, e := range m.LocaleTable {
		if set.Has(e.ID) {
			out = append(out, e.Locale)
		}
	}
	return out
}
