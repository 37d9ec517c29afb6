// Package langdetect identifies the language of page text.
package langdetect

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// DefaultLanguage is used whenever detection is impossible.
const DefaultLanguage = "en"

// sampleChars bounds how much text is fed to the detector.
const sampleChars = 2000

// ErrUndetermined is returned when no language could be identified.
var ErrUndetermined = errors.New("language could not be determined")

// Detection is a language guess with its confidence in [0, 1].
type Detection struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// Detector identifies the language of a text.
type Detector interface {
	Detect(ctx context.Context, text string) (Detection, error)
}

var supported = []lingua.Language{
	lingua.English, lingua.French, lingua.German, lingua.Spanish,
	lingua.Italian, lingua.Portuguese, lingua.Dutch, lingua.Swedish,
	lingua.Danish, lingua.Polish, lingua.Russian, lingua.Ukrainian,
	lingua.Turkish, lingua.Arabic, lingua.Hindi, lingua.Japanese,
	lingua.Chinese, lingua.Korean,
}

// LinguaDetector detects languages with lingua's statistical models.
type LinguaDetector struct {
	detector lingua.LanguageDetector
}

// NewLinguaDetector builds a detector for the commonly read languages.
func NewLinguaDetector() *LinguaDetector {
	d := lingua.NewLanguageDetectorBuilder().
		FromLanguages(supported...).
		Build()
	return &LinguaDetector{detector: d}
}

// Detect returns the most likely language of text.
func (l *LinguaDetector) Detect(ctx context.Context, text string) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}
	text = sample(strings.TrimSpace(text))
	if text == "" {
		return Detection{}, ErrUndetermined
	}

	values := l.detector.ComputeLanguageConfidenceValues(text)
	if len(values) == 0 || values[0].Value() == 0 {
		return Detection{}, ErrUndetermined
	}
	top := values[0]
	return Detection{
		Language:   strings.ToLower(top.Language().IsoCode639_1().String()),
		Confidence: top.Value(),
	}, nil
}

func sample(text string) string {
	if utf8.RuneCountInString(text) <= sampleChars {
		return text
	}
	return string([]rune(text)[:sampleChars])
}

// Normalize reduces a language tag such as "en-US" to its base code "en".
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return strings.ToLower(code)
	}
	base, _ := tag.Base()
	return base.String()
}

// DisplayName returns the English name of a language code for labels,
// falling back to the code itself.
func DisplayName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}
