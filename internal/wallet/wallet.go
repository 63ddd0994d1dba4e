// Package wallet is the capital collaborator: it allocates capital to bot
// identities through ledger events and answers how much capital a bot has
// been funded with, which the breaker's daily-loss check divides against.
package wallet

import (
	"github.com/shopspring/decimal"

	"github.com/botfleet/botfleet-api/internal/ledger"
	"github.com/botfleet/botfleet-api/internal/types"
)

type Service struct {
	ledger *ledger.Service
}

func NewService(ledgerService *ledger.Service) *Service {
	return &Service{ledger: ledgerService}
}

// FundBot records a capital allocation for a bot. Satisfies the bot
// registry's Funder dependency.
func (s *Service) FundBot(userID, botID string, amount decimal.Decimal, description string) error {
	_, err := s.ledger.AppendEvent(&types.LedgerEvent{
		UserID:      userID,
		BotID:       botID,
		EventType:   types.EventFunding,
		Amount:      amount,
		Currency:    "USD",
		Description: description,
	})
	return err
}

// FundedCapital is the net capital allocated to a bot: funding plus
// injections minus withdrawals, all derived from ledger events.
func (s *Service) FundedCapital(userID, botID string) (decimal.Decimal, error) {
	return s.ledger.SumEventAmounts(userID, botID)
}

// ReallocateCapital moves a retired bot's funded capital to its replacement
// as a withdrawal/funding pair written in one transaction. The pair nets to
// zero at user scope: a respawn reallocates capital, it never mints it.
func (s *Service) ReallocateCapital(userID, fromBotID, toBotID, description string) (decimal.Decimal, error) {
	funded, err := s.ledger.SumEventAmounts(userID, fromBotID)
	if err != nil {
		return decimal.Zero, err
	}
	if !funded.IsPositive() {
		return decimal.Zero, nil
	}

	out := &types.LedgerEvent{
		UserID:      userID,
		BotID:       fromBotID,
		EventType:   types.EventWithdrawal,
		Amount:      funded.Neg(),
		Currency:    "USD",
		Description: description,
	}
	in := &types.LedgerEvent{
		UserID:      userID,
		BotID:       toBotID,
		EventType:   types.EventFunding,
		Amount:      funded,
		Currency:    "USD",
		Description: description,
	}
	if err := s.ledger.AppendTransfer(out, in); err != nil {
		return decimal.Zero, err
	}
	return funded, nil
}
