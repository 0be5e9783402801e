package index

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/go-digitaltwin/go-resolution"
)

// Token fields. A token is its field prefix followed by a normalised value,
// e.g. "np:smith".
const (
	fieldName     = "nm" // a full name
	fieldNamePart = "np" // a single word of a name
	fieldID       = "id" // an identifier, reduced to letters and digits
	fieldCountry  = "c"  // a country code
	fieldYear     = "y"  // the year of a date
)

// fieldWeights scale the score of tokens by the field they come from.
var fieldWeights = map[string]float64{
	fieldName:     3,
	fieldID:       3,
	fieldNamePart: 1,
	fieldCountry:  0.5,
	fieldYear:     0.5,
}

// weight returns the field weight of a token.
func weight(token string) float64 {
	field, _, _ := strings.Cut(token, ":")
	return fieldWeights[field]
}

// Tokens returns the blocking tokens of an entity with their frequency within
// the entity.
func Tokens(e *resolution.Entity) map[string]int {
	tokens := make(map[string]int)
	add := func(field, value string) {
		if value != "" {
			tokens[field+":"+value]++
		}
	}
	props := e.Props()
	for _, prop := range e.Schema.PropertiesOfType(resolution.TypeName) {
		for _, value := range props[prop] {
			words := Normalize(value)
			if len(words) == 0 {
				continue
			}
			add(fieldName, strings.Join(words, " "))
			for _, w := range words {
				if len([]rune(w)) > 1 {
					add(fieldNamePart, w)
				}
			}
		}
	}
	for _, prop := range e.Schema.PropertiesOfType(resolution.TypeIdentifier) {
		for _, value := range props[prop] {
			add(fieldID, strings.Join(Normalize(value), ""))
		}
	}
	for _, prop := range e.Schema.PropertiesOfType(resolution.TypeCountry) {
		for _, value := range props[prop] {
			add(fieldCountry, strings.ToLower(strings.TrimSpace(value)))
		}
	}
	for _, prop := range e.Schema.PropertiesOfType(resolution.TypeDate) {
		for _, value := range props[prop] {
			if len(value) >= 4 && isDigits(value[:4]) {
				add(fieldYear, value[:4])
			}
		}
	}
	return tokens
}

// fold decomposes text and strips its combining marks, so that "Müller" and
// "Muller" normalise alike.
var fold = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize splits text into lower-case words of letters and digits, without
// diacritics.
func Normalize(text string) []string {
	folded, _, err := transform.String(fold, text)
	if err != nil {
		folded = text
	}
	return strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
