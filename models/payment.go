package models

import (
	"github.com/shopspring/decimal"
)

// Product is a subscription offer fetched from the payment proxy.
type Product struct {
	ID        int             `json:"id"`
	ProductID string          `json:"product_id"`
	Title     string          `json:"title"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Period    int             `json:"period"`
	Interval  string          `json:"interval"`
	HasTrial  bool            `json:"has_trial"`
	TrialDays int             `json:"trial_days,omitempty"`
}

// CardData holds raw card fields. It never leaves the cryptogram generator.
type CardData struct {
	Number     string `json:"number"`
	ExpMonth   string `json:"expMonth"`
	ExpYear    string `json:"expYear"`
	CVV        string `json:"cvv"`
	HolderName string `json:"holderName,omitempty"`
}

// ChargeRequest is what the front end posts to start a payment.
// Either CardCryptogramPacket or Card is set.
type ChargeRequest struct {
	ProductID            string    `json:"productId"`
	CardCryptogramPacket string    `json:"cardCryptogramPacket,omitempty"`
	Card                 *CardData `json:"card,omitempty"`
}

// ResumeRequest carries 3DS return values when the caller already has them.
type ResumeRequest struct {
	MD    string `json:"md,omitempty"`
	PaRes string `json:"paRes,omitempty"`
}
