package pricing

import (
	"errors"
	"testing"

	"orema/backend/internal/domain"
)

func TestComputeLineVatClasses(t *testing.T) {
	cases := []struct {
		name     string
		price    int64
		qty      int
		class    string
		subtotal int64
		vat      int64
		total    int64
	}{
		{"standard", 5000, 2, domain.VatClassStandard, 10000, 1800, 11800},
		{"reduced", 3000, 3, domain.VatClassReduced, 9000, 900, 9900},
		{"exempt", 2000, 4, domain.VatClassExempt, 8000, 0, 8000},
		{"unknown falls back to standard", 1000, 1, "TVA_BIZARRE", 1000, 180, 1180},
		{"lowercase class", 3000, 3, "reduit", 9000, 900, 9900},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ComputeLine(tc.price, tc.qty, tc.class)
			if got.SubtotalCents != tc.subtotal || got.VatCents != tc.vat || got.TotalCents != tc.total {
				t.Fatalf("expected %d/%d/%d, got %d/%d/%d", tc.subtotal, tc.vat, tc.total, got.SubtotalCents, got.VatCents, got.TotalCents)
			}
		})
	}
}

func TestComputeLineRoundsHalfUp(t *testing.T) {
	// 25 * 18% = 4.5 -> 5
	got := ComputeLine(25, 1, domain.VatClassStandard)
	if got.VatCents != 5 {
		t.Fatalf("expected half-up rounding to 5, got %d", got.VatCents)
	}
	// 5 * 10% = 0.5 -> 1
	got = ComputeLine(5, 1, domain.VatClassReduced)
	if got.VatCents != 1 {
		t.Fatalf("expected half-up rounding to 1, got %d", got.VatCents)
	}
}

func TestDiscountAmount(t *testing.T) {
	got, err := DiscountAmount(10000, &domain.DiscountInput{Type: domain.DiscountPercentage, Value: 10})
	if err != nil || got != 1000 {
		t.Fatalf("expected 1000, got %d (%v)", got, err)
	}
	got, err = DiscountAmount(10000, &domain.DiscountInput{Type: domain.DiscountFixedAmount, Value: 500})
	if err != nil || got != 500 {
		t.Fatalf("expected 500, got %d (%v)", got, err)
	}
	if _, err := DiscountAmount(10000, &domain.DiscountInput{Type: "BOGO", Value: 1}); !errors.Is(err, ErrUnknownDiscount) {
		t.Fatalf("expected ErrUnknownDiscount, got %v", err)
	}
	if _, err := DiscountAmount(10000, &domain.DiscountInput{Type: domain.DiscountPercentage, Value: 120}); !errors.Is(err, ErrPercentTooHigh) {
		t.Fatalf("expected ErrPercentTooHigh, got %v", err)
	}
	if _, err := DiscountAmount(10000, &domain.DiscountInput{Type: domain.DiscountFixedAmount, Value: -1}); !errors.Is(err, ErrNegativeDiscount) {
		t.Fatalf("expected ErrNegativeDiscount, got %v", err)
	}
}

func TestComputeTotalsClampsAtZero(t *testing.T) {
	lines := []LineAmounts{ComputeLine(1000, 1, domain.VatClassExempt)}
	totals, err := ComputeTotals(lines, &domain.DiscountInput{Type: domain.DiscountFixedAmount, Value: 5000})
	if err != nil {
		t.Fatalf("compute totals: %v", err)
	}
	if totals.FinalCents != 0 {
		t.Fatalf("expected final total clamped to 0, got %d", totals.FinalCents)
	}
	if totals.DiscountCents != 5000 {
		t.Fatalf("expected discount kept at 5000, got %d", totals.DiscountCents)
	}
}

func TestComputeTotalsAppliesDiscountAfterVat(t *testing.T) {
	lines := []LineAmounts{
		ComputeLine(5000, 2, domain.VatClassStandard),
		ComputeLine(2000, 4, domain.VatClassExempt),
	}
	totals, err := ComputeTotals(lines, &domain.DiscountInput{Type: domain.DiscountPercentage, Value: 10})
	if err != nil {
		t.Fatalf("compute totals: %v", err)
	}
	if totals.SubtotalCents != 18000 || totals.VatCents != 1800 || totals.DiscountCents != 1800 || totals.FinalCents != 18000 {
		t.Fatalf("unexpected totals %+v", totals)
	}
}

func TestFamily(t *testing.T) {
	cases := map[string]string{
		domain.PaymentCash:        FamilyCash,
		domain.PaymentCard:        FamilyCard,
		domain.PaymentOrangeMoney: FamilyMobileMoney,
		domain.PaymentWave:        FamilyMobileMoney,
		domain.PaymentCheque:      FamilyOther,
		domain.PaymentAccount:     FamilyOther,
	}
	for mode, want := range cases {
		if got := Family(mode); got != want {
			t.Fatalf("mode %s: expected %s, got %s", mode, want, got)
		}
	}
}

func TestCheckMixed(t *testing.T) {
	payments := []domain.PaymentInput{
		{Mode: domain.PaymentCash, AmountCents: 5000},
		{Mode: domain.PaymentWave, AmountCents: 6800},
	}
	if err := CheckMixed(payments, 11800, 0); err != nil {
		t.Fatalf("expected matching mixed payments to pass, got %v", err)
	}
	if err := CheckMixed(payments, 11900, 0); !errors.Is(err, ErrMixedPayments) {
		t.Fatalf("expected mismatch to fail, got %v", err)
	}
	if err := CheckMixed(payments, 11900, 100); err != nil {
		t.Fatalf("expected mismatch inside tolerance to pass, got %v", err)
	}
	if err := CheckMixed(nil, 11800, 0); !errors.Is(err, ErrMixedPayments) {
		t.Fatalf("expected empty list to fail, got %v", err)
	}
	if err := CheckMixed(nil, 0, 0); err != nil {
		t.Fatalf("expected empty list to pass for a zero total, got %v", err)
	}
	huge := []domain.PaymentInput{
		{Mode: domain.PaymentCash, AmountCents: MaxSaleCents},
		{Mode: domain.PaymentCard, AmountCents: MaxSaleCents},
	}
	if err := CheckMixed(huge, 11800, 0); !errors.Is(err, ErrMixedPayments) {
		t.Fatalf("expected out of range sum to fail, got %v", err)
	}
	nested := []domain.PaymentInput{{Mode: domain.PaymentMixed, AmountCents: 11800}}
	if err := CheckMixed(nested, 11800, 0); !errors.Is(err, ErrUnknownPayment) {
		t.Fatalf("expected nested MIXTE to fail, got %v", err)
	}
}
