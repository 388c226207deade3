package phone

import (
	"fmt"
	"strings"

	"github.com/LeventeLantos/sms-relay/internal/apperrors"
)

const CountryCode = "1"

// Normalize reduces raw input to the canonical E.164 key used to identify
// subscribers. Only NANP numbers are accepted.
func Normalize(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case len(digits) == 10:
		return "+" + CountryCode + digits, nil
	case len(digits) == 11 && strings.HasPrefix(digits, CountryCode):
		return "+" + digits, nil
	default:
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidPhoneFormat, raw)
	}
}
