package ledger

import (
	"context"
	"fmt"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// Reconcile compares every account's current balance against the sum of
// its transaction history. A discrepancy beyond reconciliationTolerance
// is reported but never auto-corrected: balance drift is a BillingError
// escalation, not something the ledger silently patches over.
func (s *SQLStore) Reconcile(ctx context.Context) ([]Discrepancy, error) {
	rows, err := s.query(ctx, `SELECT user_id, balance, free_credit_balance FROM credit_accounts`)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing accounts for reconciliation: %w", err)
	}

	type actual struct {
		balance money.Amount
	}
	actuals := make(map[string]actual)
	for rows.Next() {
		var userID, balance, freeBalance string
		if err := rows.Scan(&userID, &balance, &freeBalance); err != nil {
			rows.Close()
			return nil, err
		}
		paid, err := money.Parse(balance)
		if err != nil {
			rows.Close()
			return nil, err
		}
		free, err := money.Parse(freeBalance)
		if err != nil {
			rows.Close()
			return nil, err
		}
		actuals[userID] = actual{balance: paid.Add(free)}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	txRows, err := s.query(ctx, `SELECT user_id, net_amount FROM credit_transactions`)
	if err != nil {
		return nil, fmt.Errorf("ledger: listing transactions for reconciliation: %w", err)
	}
	expected := make(map[string]money.Amount)
	counts := make(map[string]int)
	for txRows.Next() {
		var userID, net string
		if err := txRows.Scan(&userID, &net); err != nil {
			txRows.Close()
			return nil, err
		}
		amount, err := money.Parse(net)
		if err != nil {
			txRows.Close()
			return nil, err
		}
		expected[userID] = expected[userID].Add(amount)
		counts[userID]++
	}
	txRows.Close()
	if err := txRows.Err(); err != nil {
		return nil, err
	}

	allUsers := make(map[string]struct{})
	for userID := range actuals {
		allUsers[userID] = struct{}{}
	}
	for userID := range expected {
		allUsers[userID] = struct{}{}
	}

	var discrepancies []Discrepancy
	for userID := range allUsers {
		actualBalance := actuals[userID].balance
		expectedBalance := expected[userID]
		diff := actualBalance.Sub(expectedBalance)
		if money.AbsDiff(actualBalance, expectedBalance).Cmp(reconciliationTolerance) > 0 {
			discrepancies = append(discrepancies, Discrepancy{
				UserID:            userID,
				ExpectedBalance:   expectedBalance,
				ActualBalance:     actualBalance,
				DiscrepancyAmount: diff,
				TransactionCount:  counts[userID],
			})
		}
	}
	return discrepancies, nil
}
