package extraction

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shehryarbajwa/portalrelay/pkg/models"
)

// ParseAmount parses a displayed money value such as "R$ 1.234,56",
// "-R$ 10,00", "(12.50)" or "$1,234.56" into cents. decimalSep is "," or
// "."; when empty it is inferred from the last separator followed by one
// or two digits.
func ParseAmount(s, decimalSep string) (models.Amount, error) {
	raw := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = s[1 : len(s)-1]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		case r == '-' || r == '−':
			neg = true
		case unicode.IsSpace(r) || r == '$' || unicode.IsLetter(r):
			// currency symbols and codes
		default:
			return 0, fmt.Errorf("unexpected character %q in amount %q", r, raw)
		}
	}
	num := b.String()
	if num == "" || strings.Trim(num, ".,") == "" {
		return 0, fmt.Errorf("no digits in amount %q", raw)
	}

	sep := decimalSep
	if sep == "" {
		sep = inferDecimalSeparator(num)
	}
	thousands := ","
	if sep == "," {
		thousands = "."
	}

	intPart, fracPart := num, ""
	if i := strings.LastIndex(num, sep); i >= 0 {
		intPart, fracPart = num[:i], num[i+1:]
	}
	if strings.Contains(fracPart, thousands) || strings.Contains(fracPart, sep) {
		return 0, fmt.Errorf("malformed amount %q", raw)
	}
	if len(fracPart) > 2 {
		return 0, fmt.Errorf("too many decimal places in amount %q", raw)
	}
	if strings.Contains(intPart, sep) {
		return 0, fmt.Errorf("malformed amount %q", raw)
	}
	if err := checkGrouping(intPart, thousands); err != nil {
		return 0, fmt.Errorf("malformed amount %q: %w", raw, err)
	}
	intPart = strings.ReplaceAll(intPart, thousands, "")
	if intPart == "" {
		intPart = "0"
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}
	if len(intPart) > 15 {
		return 0, fmt.Errorf("amount %q out of range", raw)
	}

	var cents int64
	for _, r := range intPart + fracPart {
		cents = cents*10 + int64(r-'0')
	}
	if neg {
		cents = -cents
	}
	return models.Amount(cents), nil
}

func inferDecimalSeparator(num string) string {
	i := strings.LastIndexAny(num, ".,")
	if i < 0 {
		return "."
	}
	tail := len(num) - i - 1
	sep := num[i : i+1]
	if tail >= 1 && tail <= 2 {
		return sep
	}
	// "1,234" or "1.234": the separator groups thousands
	if sep == "," {
		return "."
	}
	return ","
}

// checkGrouping accepts plain digits or digits grouped in threes.
func checkGrouping(intPart, thousands string) error {
	if !strings.Contains(intPart, thousands) {
		return nil
	}
	groups := strings.Split(intPart, thousands)
	if groups[0] == "" || len(groups[0]) > 3 {
		return fmt.Errorf("bad leading group")
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return fmt.Errorf("bad digit group %q", g)
		}
	}
	return nil
}
