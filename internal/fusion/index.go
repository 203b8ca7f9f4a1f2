package fusion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"voxmerge/internal/fingerprint"
	"voxmerge/internal/logging"
	"voxmerge/internal/medianame"
	"voxmerge/internal/registry"
)

// MappingsSuffix names legacy per-contact mapping documents.
const MappingsSuffix = "_mappings.json"

// Association links one known file name to a transcript.
type Association struct {
	Contact    string
	Name       string
	Identifier string
	Direction  medianame.Direction
	Text       string
	Source     fingerprint.Fingerprint
}

// Index is a view of every known name → transcript association. Build it
// once after the registry is final for the batch; lookups are safe for
// concurrent use once building is done.
type Index struct {
	minChars     int
	byIdentifier map[string]string
	byName       map[string]string
	byContact    map[string]map[string]string
	bridge       map[string]map[string]string
	assoc        []Association
}

// NewIndex returns an empty index. Transcripts shorter than minChars runes are
// ignored.
func NewIndex(minChars int) *Index {
	if minChars <= 0 {
		minChars = 1
	}
	return &Index{
		minChars:     minChars,
		byIdentifier: make(map[string]string),
		byName:       make(map[string]string),
		byContact:    make(map[string]map[string]string),
		bridge:       make(map[string]map[string]string),
	}
}

func contactKey(contact string) string {
	return strings.ToLower(medianame.ContactDir(contact))
}

// Add records an association. The first association for a name or an
// identifier wins.
func (i *Index) Add(a Association) {
	a.Text = strings.TrimSpace(a.Text)
	a.Name = medianame.Normalize(a.Name)
	if a.Name == "" || len([]rune(a.Text)) < i.minChars {
		return
	}
	if a.Identifier == "" {
		a.Identifier, _ = medianame.Identifier(a.Name)
	}
	if a.Direction == medianame.Unknown {
		a.Direction = medianame.DirectionOf(a.Name)
	}
	if a.Identifier != "" {
		if _, ok := i.byIdentifier[a.Identifier]; !ok {
			i.byIdentifier[a.Identifier] = a.Text
		}
	}
	if _, ok := i.byName[a.Name]; !ok {
		i.byName[a.Name] = a.Text
	}
	key := contactKey(a.Contact)
	names := i.byContact[key]
	if names == nil {
		names = make(map[string]string)
		i.byContact[key] = names
	}
	if _, ok := names[a.Name]; ok {
		return
	}
	names[a.Name] = a.Text
	at := sort.Search(len(i.assoc), func(n int) bool { return lessAssoc(a, i.assoc[n]) })
	i.assoc = slices.Insert(i.assoc, at, a)
}

func lessAssoc(a, b Association) bool {
	ka, kb := contactKey(a.Contact), contactKey(b.Contact)
	if ka != kb {
		return ka < kb
	}
	return a.Name < b.Name
}

// AddBridge records that sourceName was converted to convertedName for contact.
func (i *Index) AddBridge(contact, sourceName, convertedName string) {
	sourceName = medianame.Normalize(sourceName)
	convertedName = medianame.Normalize(convertedName)
	if sourceName == "" || convertedName == "" {
		return
	}
	for _, key := range []string{contactKey(contact), ""} {
		names := i.bridge[key]
		if names == nil {
			names = make(map[string]string)
			i.bridge[key] = names
		}
		if _, ok := names[sourceName]; !ok {
			names[sourceName] = convertedName
		}
	}
}

// Len returns the number of associations.
func (i *Index) Len() int { return len(i.assoc) }

// ByIdentifier returns the transcript for an embedded identifier.
func (i *Index) ByIdentifier(id string) (string, bool) {
	text, ok := i.byIdentifier[strings.ToLower(id)]
	return text, ok
}

// ByContactName returns the transcript known to contact under name.
func (i *Index) ByContactName(contact, name string) (string, bool) {
	text, ok := i.byContact[contactKey(contact)][name]
	return text, ok
}

// ByName returns the transcript for name in any contact.
func (i *Index) ByName(name string) (string, bool) {
	text, ok := i.byName[name]
	return text, ok
}

// ConvertedName returns the converted name for a pre-conversion name,
// preferring the contact's own conversions.
func (i *Index) ConvertedName(contact, sourceName string) (string, bool) {
	if name, ok := i.bridge[contactKey(contact)][sourceName]; ok {
		return name, true
	}
	name, ok := i.bridge[""][sourceName]
	return name, ok
}

// Associations returns associations ordered with contact's own first, then
// the rest by contact and name. An empty contact returns everything.
func (i *Index) Associations(contact string, crossContact bool) []Association {
	key := contactKey(contact)
	own := make([]Association, 0)
	var others []Association
	for _, a := range i.assoc {
		if contactKey(a.Contact) == key {
			own = append(own, a)
		} else if crossContact || contact == "" {
			others = append(others, a)
		}
	}
	return append(own, others...)
}

// BuildIndex assembles the index from the registry and, when mappingsDir is
// set, from legacy per-contact mapping documents. Unreadable mapping
// documents are logged and skipped.
func BuildIndex(store *registry.Store, mappingsDir string, minChars int, logger *slog.Logger) (*Index, error) {
	logger = logging.NewComponentLogger(logger, "fusion")
	idx := NewIndex(minChars)

	for _, entry := range store.Entries() {
		if entry.Role != registry.RoleSource {
			continue
		}
		sourceName := filepath.Base(entry.Path)
		convertedName := ""
		if entry.ConvertedPath != "" {
			convertedName = filepath.Base(entry.ConvertedPath)
			idx.AddBridge(entry.Contact, sourceName, convertedName)
		}
		record, ok := store.Transcript(entry.Fingerprint)
		if !ok {
			continue
		}
		for _, name := range []string{sourceName, convertedName} {
			if name == "" || name == "." {
				continue
			}
			idx.Add(Association{
				Contact:   entry.Contact,
				Name:      name,
				Direction: entry.Direction,
				Text:      record.Text,
				Source:    entry.Fingerprint,
			})
		}
	}

	if mappingsDir != "" {
		legacy, err := LoadLegacyMappings(mappingsDir, logger)
		if err != nil {
			return nil, err
		}
		for _, a := range legacy {
			idx.Add(a)
		}
	}
	logger.Debug("fusion index built", logging.Int("associations", idx.Len()))
	return idx, nil
}

type legacyMapping struct {
	Hash          string `json:"hash"`
	Transcription string `json:"transcription"`
	FilePath      string `json:"file_path"`
	Timestamp     string `json:"timestamp"`
}

// LoadLegacyMappings reads every <contact>_mappings.json document in dir. A
// missing directory yields no associations.
func LoadLegacyMappings(dir string, logger *slog.Logger) ([]Association, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mappings dir: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var out []Association
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, MappingsSuffix) {
			continue
		}
		contact := strings.TrimSuffix(name, MappingsSuffix)
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			logging.WarnWithContext(logger, "legacy mapping unreadable", "legacy_mapping_unreadable",
				logging.String(logging.FieldPath, path), logging.Error(err))
			continue
		}
		var doc map[string]legacyMapping
		if err := json.Unmarshal(data, &doc); err != nil {
			logging.WarnWithContext(logger, "legacy mapping malformed", "legacy_mapping_malformed",
				logging.String(logging.FieldPath, path), logging.Error(err))
			continue
		}
		keys := make([]string, 0, len(doc))
		for k := range doc {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, fileName := range keys {
			m := doc[fileName]
			out = append(out, Association{
				Contact: contact,
				Name:    fileName,
				Text:    m.Transcription,
				Source:  fingerprint.Fingerprint(m.Hash),
			})
		}
	}
	return out, nil
}
