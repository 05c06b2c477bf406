// Package pricing holds the sale arithmetic shared by every store: VAT per line,
// discount, final total, and payment family classification. Amounts are integer
// minor units; intermediate products go through decimal and are rounded half up.
package pricing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"orema/backend/internal/domain"
)

var (
	ErrUnknownDiscount  = errors.New("type de remise inconnu")
	ErrNegativeDiscount = errors.New("remise negative")
	ErrPercentTooHigh   = errors.New("remise superieure a 100%")
	ErrUnknownPayment   = errors.New("mode de paiement inconnu")
	ErrMixedPayments    = errors.New("paiements mixtes incoherents")
)

const (
	FamilyCash        = "ESPECES"
	FamilyCard        = "CARTE"
	FamilyMobileMoney = "MOBILE_MONEY"
	FamilyOther       = "AUTRE"
)

// Input bounds keep every sale total well inside int64.
const (
	MaxLines          = 1000
	MaxLineQuantity   = 100_000
	MaxUnitPriceCents = 10_000_000_000
	MaxSaleCents      = 2 * MaxLines * MaxLineQuantity * MaxUnitPriceCents
)

var hundred = decimal.NewFromInt(100)

type LineAmounts struct {
	RatePercent   int64
	SubtotalCents int64
	VatCents      int64
	TotalCents    int64
}

type Totals struct {
	SubtotalCents int64
	VatCents      int64
	DiscountCents int64
	FinalCents    int64
}

// VatRate maps a VAT class to its percentage. Unknown classes fall back to the standard rate.
func VatRate(class string) int64 {
	switch strings.ToUpper(strings.TrimSpace(class)) {
	case domain.VatClassExempt:
		return 0
	case domain.VatClassReduced:
		return 10
	default:
		return 18
	}
}

func ComputeLine(unitPriceCents int64, quantity int, vatClass string) LineAmounts {
	rate := VatRate(vatClass)
	subtotal := unitPriceCents * int64(quantity)
	vat := percentOf(subtotal, rate)
	return LineAmounts{
		RatePercent:   rate,
		SubtotalCents: subtotal,
		VatCents:      vat,
		TotalCents:    subtotal + vat,
	}
}

// DiscountAmount resolves a discount against the pre-VAT subtotal.
func DiscountAmount(subtotalCents int64, discount *domain.DiscountInput) (int64, error) {
	if discount == nil {
		return 0, nil
	}
	if discount.Value < 0 {
		return 0, ErrNegativeDiscount
	}
	switch strings.ToUpper(strings.TrimSpace(discount.Type)) {
	case domain.DiscountPercentage:
		if discount.Value > 100 {
			return 0, ErrPercentTooHigh
		}
		return percentOf(subtotalCents, discount.Value), nil
	case domain.DiscountFixedAmount:
		return discount.Value, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDiscount, discount.Type)
	}
}

// ComputeTotals sums the lines and applies the discount. The final total never goes below zero.
func ComputeTotals(lines []LineAmounts, discount *domain.DiscountInput) (Totals, error) {
	var totals Totals
	for _, line := range lines {
		totals.SubtotalCents += line.SubtotalCents
		totals.VatCents += line.VatCents
	}
	amount, err := DiscountAmount(totals.SubtotalCents, discount)
	if err != nil {
		return Totals{}, err
	}
	totals.DiscountCents = amount
	totals.FinalCents = totals.SubtotalCents + totals.VatCents - amount
	if totals.FinalCents < 0 {
		totals.FinalCents = 0
	}
	return totals, nil
}

// Family buckets a payment mode for cash session totals.
func Family(mode string) string {
	switch mode {
	case domain.PaymentCash:
		return FamilyCash
	case domain.PaymentCard:
		return FamilyCard
	case domain.PaymentOrangeMoney, domain.PaymentMTNMoney, domain.PaymentMoovMoney,
		domain.PaymentWave, domain.PaymentMobileMoney:
		return FamilyMobileMoney
	default:
		return FamilyOther
	}
}

// Accumulate adds a payment to the bucket of its family.
func Accumulate(totals *domain.SessionTotals, mode string, amountCents int64) {
	switch Family(mode) {
	case FamilyCash:
		totals.CashCents += amountCents
	case FamilyCard:
		totals.CardCents += amountCents
	case FamilyMobileMoney:
		totals.MobileMoneyCents += amountCents
	default:
		totals.OtherCents += amountCents
	}
}

func ValidMode(mode string) bool {
	switch mode {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentOrangeMoney, domain.PaymentMTNMoney,
		domain.PaymentMoovMoney, domain.PaymentWave, domain.PaymentMobileMoney, domain.PaymentCheque,
		domain.PaymentTransfer, domain.PaymentAccount, domain.PaymentMixed:
		return true
	}
	return false
}

// CheckMixed validates an explicit MIXTE payment list against the final total.
// A fully discounted sale may carry an empty list.
func CheckMixed(payments []domain.PaymentInput, finalCents int64, toleranceCents int64) error {
	if len(payments) == 0 {
		if finalCents == 0 {
			return nil
		}
		return fmt.Errorf("%w: aucun paiement fourni", ErrMixedPayments)
	}
	sum := int64(0)
	for _, p := range payments {
		if p.Mode == domain.PaymentMixed || !ValidMode(p.Mode) {
			return fmt.Errorf("%w: %q", ErrUnknownPayment, p.Mode)
		}
		if p.AmountCents <= 0 || p.AmountCents > MaxSaleCents {
			return fmt.Errorf("%w: montant invalide", ErrMixedPayments)
		}
		sum += p.AmountCents
		if sum > MaxSaleCents {
			return fmt.Errorf("%w: somme hors limite", ErrMixedPayments)
		}
	}
	diff := sum - finalCents
	if diff < 0 {
		diff = -diff
	}
	if diff > toleranceCents {
		return fmt.Errorf("%w: somme %d, attendu %d", ErrMixedPayments, sum, finalCents)
	}
	return nil
}

func percentOf(amount int64, percent int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(percent)).
		Div(hundred).
		Round(0).
		IntPart()
}
