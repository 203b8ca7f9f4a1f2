package medianame

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Direction tags a message or file as sent or received.
type Direction string

const (
	Received Direction = "received"
	Sent     Direction = "sent"
	Unknown  Direction = ""
)

// ConvertedExt is the extension of every converted artifact.
const ConvertedExt = ".mp3"

// DefaultSourceExt is appended to bare identifiers before matching.
const DefaultSourceExt = ".opus"

var identifierPattern = regexp.MustCompile(`[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}`)

var audioExtensions = map[string]struct{}{
	".opus": {}, ".mp3": {}, ".m4a": {}, ".wav": {}, ".ogg": {},
	".aac": {}, ".flac": {}, ".wma": {}, ".webm": {}, ".amr": {},
}

// ParseDirection maps free text onto a direction.
func ParseDirection(value string) Direction {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "received", "recu", "reçu", "in", "incoming":
		return Received
	case "sent", "envoye", "envoyé", "out", "outgoing":
		return Sent
	default:
		return Unknown
	}
}

// DirectionOf detects the direction tag embedded in a file name or path.
// "received" is checked first since it never appears inside "sent".
func DirectionOf(name string) Direction {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "received"):
		return Received
	case strings.Contains(lower, "sent"):
		return Sent
	default:
		return Unknown
	}
}

// HasDirectionPrefix reports whether the base name starts with a direction tag.
func HasDirectionPrefix(name string) bool {
	base := strings.ToLower(path.Base(filepathSlash(name)))
	return strings.HasPrefix(base, string(Received)+"_") || strings.HasPrefix(base, string(Sent)+"_")
}

// Identifier extracts the embedded UUID-shaped identifier, if any.
func Identifier(ref string) (string, bool) {
	id := identifierPattern.FindString(strings.ToLower(ref))
	return id, id != ""
}

// Normalize cleans a raw reference: NFC form, trimmed, directory stripped,
// and a bare identifier gets the default source extension.
func Normalize(ref string) string {
	ref = strings.TrimSpace(norm.NFC.String(ref))
	if ref == "" {
		return ""
	}
	ref = path.Base(filepathSlash(ref))
	if identifierPattern.MatchString(ref) && identifierPattern.FindString(ref) == ref {
		return ref + DefaultSourceExt
	}
	return ref
}

// IsAudio reports whether the file extension is a known audio container.
func IsAudio(name string) bool {
	_, ok := audioExtensions[strings.ToLower(path.Ext(filepathSlash(name)))]
	return ok
}

// ConvertedName returns the artifact name for a source file: the direction
// tag, "audio" and the embedded identifier when one exists, otherwise the
// source stem.
func ConvertedName(sourceName string, dir Direction) string {
	base := path.Base(filepathSlash(sourceName))
	if dir == Unknown {
		dir = DirectionOf(base)
	}
	if dir == Unknown {
		dir = Received
	}
	if id, ok := Identifier(base); ok {
		return string(dir) + "_audio_" + id + ConvertedExt
	}
	stem := strings.TrimSuffix(base, path.Ext(base))
	if HasDirectionPrefix(stem) {
		return stem + ConvertedExt
	}
	return string(dir) + "_" + stem + ConvertedExt
}

// Stem returns the base name without extension, lowercased and NFC-normalized.
func Stem(name string) string {
	base := path.Base(filepathSlash(norm.NFC.String(strings.TrimSpace(name))))
	return strings.ToLower(strings.TrimSuffix(base, path.Ext(base)))
}

var contactReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// ContactDir converts a contact name into a safe directory segment.
func ContactDir(contact string) string {
	contact = strings.TrimSpace(norm.NFC.String(contact))
	contact = strings.TrimSpace(contactReplacer.Replace(contact))
	contact = strings.Trim(contact, ".")
	if contact == "" {
		return "unknown"
	}
	return contact
}

func filepathSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}
