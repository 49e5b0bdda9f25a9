// Credits manages a concurrent token-credit ledger for LLM endpoints.
//
// It runs the ledger daemon (refill scheduler, alerting, metrics and health
// endpoints) and offers the administrative commands operators need:
//
//	# Start the daemon
//	credits run --config credits.yaml
//
//	# Give alice 10000 credits on gpt-4o, refilled by 5000 every day
//	credits limits set alice gpt-4o --credits 10000 --auto-refill --refill-amount 5000 --interval 1 --unit days
//
//	# Charge a request
//	credits debit alice gpt-4o 1200 --token-type prompt
//
//	# Export the audit log
//	credits transactions export --user alice --format csv > alice.csv
//
//	# Import legacy records
//	credits migrate legacy.json
package main

func main() {
	Execute()
}
