package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"amzorders/lib/scrapers/amazon/core"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mazen160/go-random"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("scrapers/amazon/orders")

const (
	orderHistoryPath = "/gp/css/order-history"
	orderDetailsPath = "/gp/your-account/order-details"
	transactionsPath = "/cpe/yourpayments/transactions"

	detailsCacheSize = 256
	detailsCacheTTL  = 15 * time.Minute
)

// Client drives order-history and transaction pagination on top of a
// session-aware core client. Details pages are cached so re-running a
// query with full details does not refetch every order.
type Client struct {
	core         *core.Client
	detailsCache *expirable.LRU[string, Order]
}

func NewClient(c *core.Client) *Client {
	return &Client{
		core:         c,
		detailsCache: expirable.NewLRU[string, Order](detailsCacheSize, nil, detailsCacheTTL),
	}
}

type HistoryOptions struct {
	// Year filters history server-side; zero means the site default
	// window (recent orders).
	Year int
	// StartIndex resumes from a record offset, e.g. one carried by a
	// PageError from an earlier run.
	StartIndex int
	// MaxPages caps how many pages are fetched; zero means no cap.
	MaxPages int
	// FullDetails fetches each order's details page, one extra request
	// per order.
	FullDetails bool
	// OldestDate stops pagination once orders older than it appear.
	// History pages list newest first.
	OldestDate time.Time

	// RetryAttempts and RetryBaseDelay bound the per-page retry loop
	// for transient fetch failures.
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func (o *HistoryOptions) fillDefaults() {
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
}

func (o HistoryOptions) firstPageURL() string {
	pageUrl := orderHistoryPath
	sep := "?"
	if o.Year != 0 {
		pageUrl += fmt.Sprintf("%stimeFilter=year-%d", sep, o.Year)
		sep = "&"
	}
	if o.StartIndex != 0 {
		pageUrl += fmt.Sprintf("%sstartIndex=%d", sep, o.StartIndex)
	}
	return pageUrl
}

// History returns an iterator over the order history:
//
//	it := client.History(orders.HistoryOptions{Year: 2023})
//	for it.Next(ctx) {
//		handle(it.Order())
//	}
//	if err := it.Err(); err != nil { ... }
//
// Orders stream in page order; the iterator fetches lazily so callers
// can stop early without paying for the rest of the history.
func (c *Client) History(opts HistoryOptions) *OrderIterator {
	opts.fillDefaults()
	return &OrderIterator{
		client: c,
		opts:   opts,
		next:   &PageCursor{StartIndex: opts.StartIndex, NextURL: opts.firstPageURL()},
	}
}

type OrderIterator struct {
	client *Client
	opts   HistoryOptions

	buf []Order
	cur Order

	// next is the cursor of the page not yet fetched; completed is the
	// one that last succeeded, for resume on error.
	next      *PageCursor
	completed *PageCursor
	pages     int
	done      bool
	err       error
}

// Next advances to the following order, fetching pages as needed. It
// returns false at the end of the history or on error; Err tells the
// two apart.
func (it *OrderIterator) Next(ctx context.Context) bool {
	for len(it.buf) == 0 {
		if it.done || it.err != nil {
			return false
		}
		it.fetchNextPage(ctx)
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

// Order returns the order Next advanced to.
func (it *OrderIterator) Order() Order {
	return it.cur
}

func (it *OrderIterator) Err() error {
	return it.err
}

// Completed returns the cursor of the last fully processed page; pass
// its StartIndex to HistoryOptions.StartIndex to resume a failed run.
func (it *OrderIterator) Completed() *PageCursor {
	return it.completed
}

func (it *OrderIterator) fetchNextPage(ctx context.Context) {
	if it.next == nil || (it.opts.MaxPages > 0 && it.pages >= it.opts.MaxPages) {
		it.done = true
		return
	}

	ctx, span := tracer.Start(ctx, "orders:fetchHistoryPage", trace.WithAttributes(
		attribute.Int("start_index", it.next.StartIndex),
	))
	defer span.End()

	doc, err := fetchWithRetry(ctx, it.opts.RetryAttempts, it.opts.RetryBaseDelay, func(ctx context.Context) (*goquery.Document, error) {
		return it.client.core.GetPage(ctx, it.next.NextURL)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		it.err = &PageError{Completed: it.completed, Failed: it.next, Err: err}
		return
	}

	pageOrders, nextCursor, err := ExtractOrders(doc)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		it.err = &PageError{Completed: it.completed, Failed: it.next, Err: err}
		return
	}

	for i := range pageOrders {
		pageOrders[i].Index = it.next.StartIndex + i
	}
	if !it.opts.OldestDate.IsZero() {
		pageOrders, nextCursor = it.cutAtOldest(pageOrders, nextCursor)
	}
	if it.opts.FullDetails {
		for i := range pageOrders {
			it.client.enrichOrder(ctx, &pageOrders[i], it.opts)
		}
	}

	span.SetAttributes(attribute.Int("orders", len(pageOrders)))
	it.buf = append(it.buf, pageOrders...)
	it.completed = it.next
	it.next = nextCursor
	it.pages++
	if it.next == nil {
		it.done = true
	}
}

// cutAtOldest drops orders placed before the requested window and
// stops pagination once one is seen, since pages run newest to oldest.
func (it *OrderIterator) cutAtOldest(pageOrders []Order, next *PageCursor) ([]Order, *PageCursor) {
	for i := range pageOrders {
		placed := pageOrders[i].Placed
		if !placed.IsZero() && placed.Before(it.opts.OldestDate) {
			return pageOrders[:i], nil
		}
	}
	return pageOrders, next
}

// enrichOrder fills in the details-page fields. Failure marks the
// order partial rather than aborting the run; one bad details page
// should not cost the rest of the history.
func (c *Client) enrichOrder(ctx context.Context, o *Order, opts HistoryOptions) {
	if o.DetailsURL == "" {
		o.markFailed("details")
		return
	}
	if cached, ok := c.detailsCache.Get(o.OrderID); ok && o.OrderID != "" {
		index := o.Index
		*o = cached
		o.Index = index
		return
	}

	doc, err := fetchWithRetry(ctx, opts.RetryAttempts, opts.RetryBaseDelay, func(ctx context.Context) (*goquery.Document, error) {
		return c.core.GetPage(ctx, o.DetailsURL)
	})
	if err != nil {
		o.markFailed("details")
		return
	}
	if err := ExtractOrderDetails(doc, o); err != nil {
		o.markFailed("details")
		return
	}
	if o.OrderID != "" {
		c.detailsCache.Add(o.OrderID, *o)
	}
}

type TransactionOptions struct {
	MaxPages       int
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func (o *TransactionOptions) fillDefaults() {
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 3
	}
	if o.RetryBaseDelay == 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
}

// Transactions returns an iterator over payment transactions, same
// contract as History. The transactions endpoint pages by form POST
// rather than link GET; the cursor hides that.
func (c *Client) Transactions(opts TransactionOptions) *TransactionIterator {
	opts.fillDefaults()
	return &TransactionIterator{
		client: c,
		opts:   opts,
		next:   &PageCursor{NextURL: transactionsPath},
	}
}

type TransactionIterator struct {
	client *Client
	opts   TransactionOptions

	buf []Transaction
	cur Transaction

	next      *PageCursor
	completed *PageCursor
	pages     int
	done      bool
	err       error
}

func (it *TransactionIterator) Next(ctx context.Context) bool {
	for len(it.buf) == 0 {
		if it.done || it.err != nil {
			return false
		}
		it.fetchNextPage(ctx)
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

func (it *TransactionIterator) Transaction() Transaction {
	return it.cur
}

func (it *TransactionIterator) Err() error {
	return it.err
}

func (it *TransactionIterator) Completed() *PageCursor {
	return it.completed
}

func (it *TransactionIterator) fetchNextPage(ctx context.Context) {
	if it.next == nil || (it.opts.MaxPages > 0 && it.pages >= it.opts.MaxPages) {
		it.done = true
		return
	}

	ctx, span := tracer.Start(ctx, "orders:fetchTransactionsPage")
	defer span.End()

	doc, err := fetchWithRetry(ctx, it.opts.RetryAttempts, it.opts.RetryBaseDelay, func(ctx context.Context) (*goquery.Document, error) {
		if it.next.Form != nil {
			return it.client.core.PostPage(ctx, it.next.NextURL, it.next.Form)
		}
		return it.client.core.GetPage(ctx, it.next.NextURL)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		it.err = &PageError{Completed: it.completed, Failed: it.next, Err: err}
		return
	}

	txs, nextCursor, err := ExtractTransactions(doc)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		it.err = &PageError{Completed: it.completed, Failed: it.next, Err: err}
		return
	}

	span.SetAttributes(attribute.Int("transactions", len(txs)))
	it.buf = append(it.buf, txs...)
	it.completed = it.next
	it.next = nextCursor
	it.pages++
	if it.next == nil {
		it.done = true
	}
}

// fetchWithRetry retries transient fetch failures with bounded
// exponential backoff. Authentication failures and markup drift are
// terminal: retrying bad credentials risks an account lockout, and
// retrying unrecognized markup cannot succeed.
func fetchWithRetry(ctx context.Context, attempts int, baseDelay time.Duration, fetch func(ctx context.Context) (*goquery.Document, error)) (*goquery.Document, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, baseDelay, attempt); err != nil {
				return nil, err
			}
		}
		doc, err := fetch(ctx)
		if err == nil {
			return doc, nil
		}
		if terminalFetchError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

func terminalFetchError(err error) bool {
	var structural *StructuralError
	var unknown *core.UnknownChallengeError
	return errors.Is(err, core.ErrBadCredentials) ||
		errors.Is(err, core.ErrCaptchaExhausted) ||
		errors.Is(err, core.ErrOtpRejected) ||
		errors.Is(err, core.ErrOtpUnavailable) ||
		errors.Is(err, core.ErrApprovalDenied) ||
		errors.Is(err, core.ErrApprovalTimeout) ||
		errors.Is(err, core.ErrSessionUnrecoverable) ||
		errors.As(err, &structural) ||
		errors.As(err, &unknown) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func sleepBackoff(ctx context.Context, baseDelay time.Duration, attempt int) error {
	delay := baseDelay << (attempt - 1)
	if jitterMs, err := random.IntRange(0, 250); err == nil {
		delay += time.Duration(jitterMs) * time.Millisecond
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
