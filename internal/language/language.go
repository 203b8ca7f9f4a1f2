package language

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

type entry struct {
	code2   string   // ISO 639-1
	code3   []string // ISO 639-2 forms, bibliographic first when it differs
	display string
	words   []string // English and French names
}

var languages = []entry{
	{"fr", []string{"fra", "fre"}, "French", []string{"french", "français", "francais"}},
	{"en", []string{"eng"}, "English", []string{"english", "anglais"}},
	{"es", []string{"spa"}, "Spanish", []string{"spanish", "espagnol"}},
	{"de", []string{"deu", "ger"}, "German", []string{"german", "allemand"}},
	{"it", []string{"ita"}, "Italian", []string{"italian", "italien"}},
	{"pt", []string{"por"}, "Portuguese", []string{"portuguese", "portugais"}},
	{"ar", []string{"ara"}, "Arabic", []string{"arabic", "arabe"}},
	{"nl", []string{"nld", "dut"}, "Dutch", []string{"dutch", "néerlandais", "neerlandais"}},
	{"pl", []string{"pol"}, "Polish", []string{"polish", "polonais"}},
	{"ru", []string{"rus"}, "Russian", []string{"russian", "russe"}},
	{"tr", []string{"tur"}, "Turkish", []string{"turkish", "turc"}},
	{"zh", []string{"zho", "chi"}, "Chinese", []string{"chinese", "chinois"}},
	{"ja", []string{"jpn"}, "Japanese", []string{"japanese", "japonais"}},
}

var index = func() map[string]*entry {
	m := make(map[string]*entry, len(languages)*5)
	for i := range languages {
		e := &languages[i]
		m[e.code2] = e
		for _, c := range e.code3 {
			m[c] = e
		}
		for _, w := range e.words {
			m[w] = e
		}
	}
	return m
}()

var folder = cases.Fold()

func key(value string) string {
	return folder.String(norm.NFC.String(strings.TrimSpace(value)))
}

// Normalize returns the ISO 639-1 code for a code or language name. Unknown
// two-letter codes pass through lowercased; anything else yields "".
func Normalize(value string) string {
	k := key(value)
	if k == "" {
		return ""
	}
	// Region subtags ("fr-FR", "pt_BR") only narrow the language.
	if i := strings.IndexAny(k, "-_"); i > 0 {
		k = k[:i]
	}
	if e, ok := index[k]; ok {
		return e.code2
	}
	if len(k) == 2 {
		return k
	}
	return ""
}

// DisplayName returns the English name for a code or name, the uppercased
// input when unknown, or "Unknown" when empty.
func DisplayName(value string) string {
	if strings.TrimSpace(value) == "" {
		return "Unknown"
	}
	if e, ok := index[Normalize(value)]; ok {
		return e.display
	}
	return strings.ToUpper(strings.TrimSpace(value))
}
