// Package debit is the hot path of the ledger: it charges one request's
// credits against a user's endpoint balance.
//
// A debit is a single atomic store operation, optionally combined with one
// due auto-refill. The balance is never driven negative and no debit is
// lost under concurrency; see storage.Store.Debit for the per-backend
// mechanism.
//
//	d := debit.New(store, debit.WithNotifier(notifier))
//	res, err := d.Debit(ctx, debit.Request{
//		User:      "alice",
//		Endpoint:  "gpt-4o",
//		Amount:    1200,
//		TokenType: model.TokenPrompt,
//	})
//	if errors.Is(err, model.ErrInsufficientCredits) {
//		// reject the request
//	}
package debit
