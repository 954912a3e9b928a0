package protocol

import (
	"fmt"
	"strings"
	"unicode"
)

// NameRules is the player-name policy advertised in ProtocolInfo and
// enforced on every join.
type NameRules struct {
	MaxLength                   int    `json:"max_length"`
	AllowUnicode                bool   `json:"allow_unicode"`
	AllowSpaces                 bool   `json:"allow_spaces"`
	AllowSurroundingWhitespace  bool   `json:"allow_surrounding_whitespace"`
	AllowedSymbols              string `json:"allowed_symbols,omitempty"`
	AdditionalAllowedCharacters string `json:"additional_allowed_characters,omitempty"`
}

// DefaultNameRules matches the protocol defaults.
func DefaultNameRules() NameRules {
	return NameRules{
		MaxLength:      32,
		AllowUnicode:   true,
		AllowSpaces:    true,
		AllowedSymbols: "-_.",
	}
}

// ValidatePlayerName checks a display name against the rules. The returned
// error message is safe to forward to clients.
func ValidatePlayerName(name string, rules NameRules) error {
	if name == "" {
		return fmt.Errorf("player name cannot be empty")
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("player name exceeds %d characters", rules.MaxLength)
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("player name cannot be only whitespace")
	}
	if trimmed != name && !rules.AllowSurroundingWhitespace {
		return fmt.Errorf("player name cannot start or end with whitespace")
	}

	allowed := rules.AllowedSymbols + rules.AdditionalAllowedCharacters
	for _, r := range name {
		if r == ' ' {
			if !rules.AllowSpaces {
				return fmt.Errorf("player name cannot contain spaces")
			}
			continue
		}
		if unicode.IsSpace(r) {
			// Non-space whitespace is only tolerated at the edges, and only
			// when surrounding whitespace is allowed.
			if rules.AllowSurroundingWhitespace && trimmed != name {
				continue
			}
			return fmt.Errorf("player name contains invalid whitespace")
		}
		if isAllowedAlphanumeric(r, rules.AllowUnicode) {
			continue
		}
		if strings.ContainsRune(allowed, r) {
			continue
		}
		return fmt.Errorf("player name contains invalid character %q", r)
	}
	return nil
}

func isAllowedAlphanumeric(r rune, allowUnicode bool) bool {
	if allowUnicode {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
