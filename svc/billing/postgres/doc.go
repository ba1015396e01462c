// Package postgres implements the billing stores on PostgreSQL via pgx.
// Concurrency-sensitive operations push their atomicity into SQL: status
// changes are conditional updates on the current status, payment and event
// ingestion rely on unique indexes, and coupon redemption increments under a
// WHERE guard so the use cap holds under concurrent redemptions.
package postgres
