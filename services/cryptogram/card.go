package cryptogram

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"imagegen-payment-api/models"
)

// ValidateCard checks the card fields before anything is encrypted.
func ValidateCard(card models.CardData, now time.Time) error {
	number := digitsOnly(card.Number)
	if len(number) < 13 || len(number) > 19 {
		return fmt.Errorf("invalid card number length: %d", len(number))
	}

	if !validateLuhn(number) {
		return errors.New("card number failed Luhn check")
	}

	cvv := strings.TrimSpace(card.CVV)
	if len(cvv) < 3 || len(cvv) > 4 || digitsOnly(cvv) != cvv {
		return errors.New("invalid cvv")
	}

	yymm, err := expiryYYMM(card.ExpMonth, card.ExpYear)
	if err != nil {
		return err
	}
	if !validateExpiry(yymm, now) {
		return fmt.Errorf("card expired: %s", yymm)
	}

	if name := strings.TrimSpace(card.HolderName); name != "" && len(name) < 3 {
		return fmt.Errorf("invalid holder name length: %d", len(name))
	}

	return nil
}

// expiryYYMM accepts "1".."12" and a two or four digit year.
func expiryYYMM(month, year string) (string, error) {
	m, err := strconv.Atoi(strings.TrimSpace(month))
	if err != nil || m < 1 || m > 12 {
		return "", fmt.Errorf("invalid expiry month: %q", month)
	}

	year = strings.TrimSpace(year)
	switch len(year) {
	case 2:
	case 4:
		year = year[2:]
	default:
		return "", fmt.Errorf("invalid expiry year: %q", year)
	}
	if _, err := strconv.Atoi(year); err != nil {
		return "", fmt.Errorf("invalid expiry year: %q", year)
	}

	return fmt.Sprintf("%s%02d", year, m), nil
}

func validateLuhn(cardNumber string) bool {
	sum := 0
	isEven := len(cardNumber)%2 == 0

	for i, r := range cardNumber {
		digit := int(r - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if isEven == (i%2 == 0) {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
	}

	return sum%10 == 0
}

func validateExpiry(yymm string, now time.Time) bool {
	expiryTime, err := time.Parse("0601", yymm)
	if err != nil {
		return false
	}

	// Cards stay valid through the last second of the expiry month.
	expiryTime = time.Date(expiryTime.Year(), expiryTime.Month()+1, 0, 23, 59, 59, 0, time.UTC)
	return expiryTime.After(now)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
