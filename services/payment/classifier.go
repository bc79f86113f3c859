package payment

import (
	"context"
	"errors"
	"net"
	"syscall"

	"tokenplane/services/ledger"

	"gorm.io/gorm"
)

// Kind buckets every failure coming out of a settlement attempt. Only
// KindNetworkError and KindTimeout are eligible for automatic retry; the
// rest need caller intervention.
type Kind string

const (
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInvalidAmount       Kind = "invalid_amount"
	KindDuplicateReference  Kind = "duplicate_reference"
	KindNetworkError        Kind = "network_error"
	KindTimeout             Kind = "timeout"
	KindSoldOut             Kind = "sold_out"
	KindExpired             Kind = "expired"
	KindUnknown             Kind = "unknown"
)

// Upstream inventory faults. The settlement path itself never produces
// these; callers that gate a payment on item availability return them so
// classification and notices stay uniform.
var (
	ErrSoldOut = errors.New("item sold out")
	ErrExpired = errors.New("item expired")
)

// Classification is the verdict on one failed attempt: what happened,
// whether resubmitting can help, and what the caller should do if not.
type Classification struct {
	Kind        Kind
	Retryable   bool
	Remediation string
}

func Classify(err error) Classification {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return Classification{
			Kind:        KindInsufficientBalance,
			Remediation: "top up the token balance or reduce the payment amount",
		}
	case errors.Is(err, ledger.ErrInvalidAmount):
		return Classification{
			Kind:        KindInvalidAmount,
			Remediation: "resubmit with a positive amount of at most 8 decimal places",
		}
	case errors.Is(err, gorm.ErrDuplicatedKey):
		// The reference was already settled. Not a failure; resubmitting the
		// same reference id returns the recorded receipt.
		return Classification{Kind: KindDuplicateReference}
	case errors.Is(err, ErrSoldOut):
		return Classification{
			Kind:        KindSoldOut,
			Remediation: "choose a different item",
		}
	case errors.Is(err, ErrExpired):
		return Classification{
			Kind:        KindExpired,
			Remediation: "choose a different item",
		}
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{
			Kind:        KindTimeout,
			Retryable:   true,
			Remediation: "retry with the same reference id",
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{
				Kind:        KindTimeout,
				Retryable:   true,
				Remediation: "retry with the same reference id",
			}
		}
		return Classification{
			Kind:        KindNetworkError,
			Retryable:   true,
			Remediation: "retry with the same reference id",
		}
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Classification{
			Kind:        KindNetworkError,
			Retryable:   true,
			Remediation: "retry with the same reference id",
		}
	}

	return Classification{
		Kind:        KindUnknown,
		Remediation: "contact support if the problem persists",
	}
}
