package settlement

import (
	"fmt"
	"math/big"

	"github.com/PlayraLive/h-ai-sub005/internal/money"
)

// Percentages is a client/freelancer division in whole percent.
type Percentages struct {
	Client     int64 `json:"clientPercent"`
	Freelancer int64 `json:"freelancerPercent"`
}

// ComputeSplit divides distributable according to outcome. For
// OutcomeSplit the percentages must sum to exactly 100; the client share
// is floored to a base unit and the freelancer receives the remainder, so
// the two sides always sum to distributable.
func ComputeSplit(outcome Outcome, distributable *big.Int, pct *Percentages) (money.Split, error) {
	if distributable == nil || distributable.Sign() < 0 {
		return money.Split{}, ErrUnbalancedSplit.WithMessage("distributable amount must not be negative")
	}
	d := new(big.Int).Set(distributable)

	switch outcome {
	case OutcomeClientWins:
		return money.Split{Client: d, Freelancer: new(big.Int)}, nil
	case OutcomeFreelancerWins:
		return money.Split{Client: new(big.Int), Freelancer: d}, nil
	case OutcomeSplit:
		if pct == nil {
			return money.Split{}, ErrInvalidPercentageSum.WithMessage("split requires client and freelancer percentages")
		}
		if pct.Client < 0 || pct.Freelancer < 0 || pct.Client+pct.Freelancer != 100 {
			return money.Split{}, ErrInvalidPercentageSum.WithMessage(fmt.Sprintf(
				"percentages %d + %d must sum to exactly 100", pct.Client, pct.Freelancer))
		}
		client := money.PercentOf(d, pct.Client)
		return money.Split{Client: client, Freelancer: money.Sub(d, client)}, nil
	}
	return money.Split{}, ErrInvalidOutcome
}

// ValidateSplit checks that split is non-negative and sums to
// distributable exactly.
func ValidateSplit(split money.Split, distributable *big.Int) error {
	if split.Balances(distributable) {
		return nil
	}
	return ErrUnbalancedSplit.WithMessage(fmt.Sprintf(
		"split %s + %s does not equal distributable %s",
		money.Format(split.Client), money.Format(split.Freelancer), money.Format(distributable)))
}

// ParseSplit parses explicit decimal amounts into a split.
func ParseSplit(clientAmount, freelancerAmount string) (money.Split, error) {
	c, ok := money.Parse(clientAmount)
	if !ok {
		return money.Split{}, ErrInvalidAmount.WithMessage("invalid clientAmount " + clientAmount)
	}
	f, ok := money.Parse(freelancerAmount)
	if !ok {
		return money.Split{}, ErrInvalidAmount.WithMessage("invalid freelancerAmount " + freelancerAmount)
	}
	return money.Split{Client: c, Freelancer: f}, nil
}
