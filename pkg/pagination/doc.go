// Package pagination assembles complete result sets from cursor-paginated
// endpoints.
//
// Paginated responses use the envelope
//
//	{"Data": [...], "__count": 120, "__next": "https://.../items?skip=50", "MaxRows": 50}
//
// where a missing __next marks the last page. The fetcher follows the cursor
// sequentially, keeps page order, and stops as soon as an optional result
// limit is satisfied so no page beyond the one holding the last wanted item
// is requested.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher[Invoice](apiClient, validateInvoice)
//	invoices, err := fetcher.Fetch(ctx, "/invoices", pagination.Options{
//		Limit:   pagination.Limit(200),
//		Timeout: 30 * time.Second,
//	})
//
// The timeout is a budget for the whole fetch: each page gets what is left
// of it. An item failing validation aborts the fetch and nothing collected
// so far is returned.
package pagination
