package fusion

import (
	"path"
	"strings"

	"github.com/antzucaro/matchr"

	"voxmerge/internal/medianame"
)

// Strategy names, in cascade order.
const (
	StrategyDirectIdentity     = "direct-identity"
	StrategyConvertedName      = "converted-name-bridge"
	StrategyExactContact       = "exact-contact"
	StrategyBareIdentifier     = "bare-identifier"
	StrategyDirectionHeuristic = "direction-heuristic"
)

// Reference is a textual pointer from a message to its audio.
type Reference struct {
	Raw        string
	Name       string
	Identifier string
	Contact    string
	Direction  medianame.Direction
}

// NewReference normalizes raw. The direction comes from the name when it
// carries one, else from the message.
func NewReference(raw, contact string, messageDir medianame.Direction) Reference {
	ref := Reference{Raw: strings.TrimSpace(raw), Contact: contact}
	ref.Name = medianame.Normalize(ref.Raw)
	ref.Identifier, _ = medianame.Identifier(ref.Name)
	ref.Direction = medianame.DirectionOf(ref.Name)
	if ref.Direction == medianame.Unknown {
		ref.Direction = messageDir
	}
	return ref
}

// Unknown reports whether the reference carries nothing to match on.
func (r Reference) Unknown() bool {
	return r.Name == "" || strings.EqualFold(r.Name, "unknown")
}

// Matcher is one named strategy of the resolution cascade.
type Matcher interface {
	Name() string
	Match(idx *Index, ref Reference) (string, bool)
}

// DefaultMatchers returns the standard cascade. crossContact widens the
// bare-identifier search to every contact.
func DefaultMatchers(crossContact bool) []Matcher {
	return []Matcher{
		directIdentity{},
		convertedNameBridge{},
		exactContact{},
		bareIdentifier{crossContact: crossContact},
		directionHeuristic{},
	}
}

type directIdentity struct{}

func (directIdentity) Name() string { return StrategyDirectIdentity }

func (directIdentity) Match(idx *Index, ref Reference) (string, bool) {
	if ref.Identifier == "" {
		return "", false
	}
	return idx.ByIdentifier(ref.Identifier)
}

type convertedNameBridge struct{}

func (convertedNameBridge) Name() string { return StrategyConvertedName }

func (convertedNameBridge) Match(idx *Index, ref Reference) (string, bool) {
	if strings.EqualFold(path.Ext(ref.Name), medianame.ConvertedExt) {
		return "", false
	}
	candidates := make([]string, 0, 2)
	if name, ok := idx.ConvertedName(ref.Contact, ref.Name); ok {
		candidates = append(candidates, name)
	}
	candidates = append(candidates, medianame.ConvertedName(ref.Name, ref.Direction))
	for _, name := range candidates {
		if text, ok := idx.ByContactName(ref.Contact, name); ok {
			return text, true
		}
		if text, ok := idx.ByName(name); ok {
			return text, true
		}
	}
	return "", false
}

type exactContact struct{}

func (exactContact) Name() string { return StrategyExactContact }

func (exactContact) Match(idx *Index, ref Reference) (string, bool) {
	return idx.ByContactName(ref.Contact, ref.Name)
}

type bareIdentifier struct {
	crossContact bool
}

func (bareIdentifier) Name() string { return StrategyBareIdentifier }

func (m bareIdentifier) Match(idx *Index, ref Reference) (string, bool) {
	if ref.Identifier == "" {
		return "", false
	}
	for _, a := range idx.Associations(ref.Contact, m.crossContact) {
		if strings.Contains(strings.ToLower(a.Name), ref.Identifier) {
			return a.Text, true
		}
	}
	return "", false
}

// directionHeuristic accepts only candidates of the reference's contact with
// the same direction and the same identifier. Names without an identifier
// never match. The closest name wins among the survivors.
type directionHeuristic struct{}

func (directionHeuristic) Name() string { return StrategyDirectionHeuristic }

func (directionHeuristic) Match(idx *Index, ref Reference) (string, bool) {
	if ref.Identifier == "" {
		return "", false
	}
	want := orReceived(ref.Direction)
	stem := medianame.Stem(ref.Name)

	best, bestScore := "", -1.0
	for _, a := range idx.Associations(ref.Contact, false) {
		if orReceived(a.Direction) != want || a.Identifier != ref.Identifier {
			continue
		}
		score := matchr.JaroWinkler(stem, medianame.Stem(a.Name), false)
		if score > bestScore {
			best, bestScore = a.Text, score
		}
	}
	return best, bestScore >= 0
}

// orReceived treats untagged names as received, the chat export default.
func orReceived(dir medianame.Direction) medianame.Direction {
	if dir == medianame.Unknown {
		return medianame.Received
	}
	return dir
}
