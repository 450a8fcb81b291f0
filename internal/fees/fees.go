// Package fees computes how the platform fee on a gift purchase is split
// between the couple and the guest.
//
// Two modalities:
//   - couple_pays: the guest pays the listed price; the fee comes out of
//     the couple's share.
//   - guest_pays: the listed price is grossed up so the couple receives
//     the full base price and the guest absorbs the fee.
//
// All arithmetic is integer (cents and basis points). Floating point is
// never used for final monetary values.
package fees

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidModality = errors.New("fees: invalid fee modality")
	ErrInvalidFee      = errors.New("fees: fee must be in [0, 10000) basis points")
	ErrInvalidPrice    = errors.New("fees: base price must be non-negative")
)

// Modality identifies which party absorbs the platform fee.
type Modality string

const (
	ModalityCouplePays Modality = "couple_pays"
	ModalityGuestPays  Modality = "guest_pays"
)

// ParseModality validates a modality string.
func ParseModality(s string) (Modality, error) {
	switch Modality(s) {
	case ModalityCouplePays, ModalityGuestPays:
		return Modality(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidModality, s)
	}
}

// Config is the fee configuration snapshotted onto a transaction at charge
// time. It is passed explicitly to the payment service so historical
// transactions are never affected by later registry config changes.
type Config struct {
	BPS      int // basis points, [0, 10000)
	Modality Modality
}

// Breakdown holds the monetary figures for one purchase, all in cents.
type Breakdown struct {
	DisplayPrice    int64 `json:"displayPriceCents"`
	GrossAmount     int64 `json:"grossAmountCents"`
	FeeAmount       int64 `json:"feeAmountCents"`
	NetAmountCouple int64 `json:"netAmountCoupleCents"`
	PlatformAmount  int64 `json:"platformAmountCents"`
}

// Calculate splits basePriceCents according to the modality and fee.
// The invariant NetAmountCouple + PlatformAmount == GrossAmount holds by
// construction in both branches.
func Calculate(basePriceCents int64, feeBPS int, modality Modality) (Breakdown, error) {
	if basePriceCents < 0 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrInvalidPrice, basePriceCents)
	}
	if feeBPS < 0 || feeBPS >= 10000 {
		return Breakdown{}, fmt.Errorf("%w: %d", ErrInvalidFee, feeBPS)
	}

	switch modality {
	case ModalityCouplePays:
		gross := basePriceCents
		fee := gross * int64(feeBPS) / 10000 // floor
		return Breakdown{
			DisplayPrice:    gross,
			GrossAmount:     gross,
			FeeAmount:       fee,
			NetAmountCouple: gross - fee,
			PlatformAmount:  fee,
		}, nil

	case ModalityGuestPays:
		// gross = base / (1 - fee), rounded half-up to the nearest cent.
		// With d = 10000 - feeBPS: round(base*10000/d) = (2*base*10000 + d) / (2*d).
		d := int64(10000 - feeBPS)
		gross := (2*basePriceCents*10000 + d) / (2 * d)
		platform := gross - basePriceCents
		return Breakdown{
			DisplayPrice:    gross,
			GrossAmount:     gross,
			FeeAmount:       platform,
			NetAmountCouple: basePriceCents,
			PlatformAmount:  platform,
		}, nil

	default:
		return Breakdown{}, fmt.Errorf("%w: %q", ErrInvalidModality, modality)
	}
}
