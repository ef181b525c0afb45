package sheets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gestorix/presync/internal/config"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"
)

// ErrRowNotFound is returned when a row id does not exist on the sheet
var ErrRowNotFound = errors.New("sheet row not found")

// Client wraps the Google Sheets API for the two replica sheets. Every call
// carries a bounded timeout and a small retry budget for transient errors;
// writes are keyed by the stable first-column id so a retried write is
// idempotent.
type Client struct {
	svc           *gsheets.Service
	spreadsheetID string
	ordersSheet   string
	detailsSheet  string
	timeout       time.Duration
	maxRetries    int

	// Orders are written concurrently, so the lazy metadata cache needs the
	// lock: two cold-cache row deletions would otherwise race on the map.
	mu       sync.Mutex
	sheetIDs map[string]int64 // sheet title -> numeric sheet id
}

// NewClient creates a Sheets client for one spreadsheet
func NewClient(ctx context.Context, cfg config.SheetsConfig, spreadsheetID, ordersSheet, detailsSheet string) (*Client, error) {
	svc, err := gsheets.NewService(ctx,
		option.WithCredentialsFile(cfg.CredentialsFile),
		option.WithScopes(gsheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Sheets service: %w", err)
	}

	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		ordersSheet:   ordersSheet,
		detailsSheet:  detailsSheet,
		timeout:       cfg.RequestTimeout,
		maxRetries:    cfg.MaxRetries,
	}, nil
}

// withRetry runs op with a per-attempt timeout and exponential backoff on
// transient failures. Context cancellation is never retried.
func (c *Client) withRetry(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err = op(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			return err
		}

		backoff := 500 * time.Millisecond << uint(i)
		log.Printf("⚠️  Sheets: transient error (attempt %d/%d), retrying in %v: %v", i+1, attempts, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// isTransient reports whether an error is worth retrying
func isTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// sheetID resolves the numeric id of a sheet by title, cached after first use
func (c *Client) sheetID(ctx context.Context, title string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.sheetIDs[title]; ok {
		return id, nil
	}

	var ss *gsheets.Spreadsheet
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		ss, err = c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read spreadsheet metadata: %w", err)
	}

	if c.sheetIDs == nil {
		c.sheetIDs = make(map[string]int64)
	}
	for _, s := range ss.Sheets {
		if s.Properties != nil {
			c.sheetIDs[s.Properties.Title] = s.Properties.SheetId
		}
	}

	id, ok := c.sheetIDs[title]
	if !ok {
		return 0, fmt.Errorf("sheet %q not found in spreadsheet", title)
	}
	return id, nil
}

func (c *Client) readValues(ctx context.Context, sheet, rng string) ([][]interface{}, error) {
	var vr *gsheets.ValueRange
	err := c.withRetry(ctx, func(ctx context.Context) error {
		var err error
		vr, err = c.svc.Spreadsheets.Values.Get(c.spreadsheetID, sheet+"!"+rng).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", sheet, err)
	}
	return vr.Values, nil
}

// ReadOrders reads every order row from the spreadsheet
func (c *Client) ReadOrders(ctx context.Context) ([]OrderRow, error) {
	values, err := c.readValues(ctx, c.ordersSheet, ordersRange)
	if err != nil {
		return nil, err
	}

	rows := make([]OrderRow, 0, len(values))
	for _, v := range values {
		row := orderRowFromValues(v)
		if row.ExtID == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadDetails reads every detail row from the spreadsheet
func (c *Client) ReadDetails(ctx context.Context) ([]DetailRow, error) {
	values, err := c.readValues(ctx, c.detailsSheet, detailsRange)
	if err != nil {
		return nil, err
	}

	rows := make([]DetailRow, 0, len(values))
	for _, v := range values {
		row := detailRowFromValues(v)
		if row.RowID == "" {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// findRows returns the 1-based sheet row numbers whose column at colIdx
// matches id. Data rows start at sheet row 2.
func (c *Client) findRows(ctx context.Context, sheet, rng string, colIdx int, id string) ([]int64, error) {
	values, err := c.readValues(ctx, sheet, rng)
	if err != nil {
		return nil, err
	}

	var found []int64
	for i, v := range values {
		if cellString(v, colIdx) == id {
			found = append(found, int64(i)+2)
		}
	}
	return found, nil
}

func (c *Client) updateRow(ctx context.Context, sheet string, rowNum int64, values []interface{}) error {
	rng := fmt.Sprintf("%s!A%d", sheet, rowNum)
	return c.withRetry(ctx, func(ctx context.Context) error {
		_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, &gsheets.ValueRange{
			Values: [][]interface{}{values},
		}).ValueInputOption("RAW").Context(ctx).Do()
		return err
	})
}

func (c *Client) appendRow(ctx context.Context, sheet string, values []interface{}) error {
	rng := fmt.Sprintf("%s!A2", sheet)
	return c.withRetry(ctx, func(ctx context.Context) error {
		_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, rng, &gsheets.ValueRange{
			Values: [][]interface{}{values},
		}).ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
		return err
	})
}

// deleteRows removes the given 1-based sheet rows, bottom-up so earlier
// deletions do not shift the remaining indexes.
func (c *Client) deleteRows(ctx context.Context, sheet string, rowNums []int64) error {
	if len(rowNums) == 0 {
		return nil
	}

	sid, err := c.sheetID(ctx, sheet)
	if err != nil {
		return err
	}

	sort.Slice(rowNums, func(i, j int) bool { return rowNums[i] > rowNums[j] })

	requests := make([]*gsheets.Request, 0, len(rowNums))
	for _, n := range rowNums {
		requests = append(requests, &gsheets.Request{
			DeleteDimension: &gsheets.DeleteDimensionRequest{
				Range: &gsheets.DimensionRange{
					SheetId:    sid,
					Dimension:  "ROWS",
					StartIndex: n - 1,
					EndIndex:   n,
				},
			},
		})
	}

	return c.withRetry(ctx, func(ctx context.Context) error {
		_, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, &gsheets.BatchUpdateSpreadsheetRequest{
			Requests: requests,
		}).Context(ctx).Do()
		return err
	})
}

// UpsertOrder writes an order row in place if its id exists, appends it
// otherwise, and reports whether a new row was appended. Callers stamp
// LastModified with the source edit time — stamping the write time here
// would make every push echo back as a remote change on the next run.
func (c *Client) UpsertOrder(ctx context.Context, row OrderRow) (bool, error) {
	if row.LastModified.IsZero() {
		row.LastModified = time.Now().UTC()
	}

	rows, err := c.findRows(ctx, c.ordersSheet, ordersRange, 0, row.ExtID)
	if err != nil {
		return false, err
	}
	if len(rows) > 0 {
		return false, c.updateRow(ctx, c.ordersSheet, rows[0], row.values())
	}
	return true, c.appendRow(ctx, c.ordersSheet, row.values())
}

// DeleteOrder removes an order row. Deleting an id that is already gone is a
// no-op, which keeps retried deletes idempotent.
func (c *Client) DeleteOrder(ctx context.Context, extID string) error {
	rows, err := c.findRows(ctx, c.ordersSheet, ordersRange, 0, extID)
	if err != nil {
		return err
	}
	return c.deleteRows(ctx, c.ordersSheet, rows)
}

// DetailsForOrder returns the detail rows currently on the sheet for one order
func (c *Client) DetailsForOrder(ctx context.Context, extID string) ([]DetailRow, error) {
	all, err := c.ReadDetails(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]DetailRow, 0)
	for _, r := range all {
		if r.OrderExtID == extID {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

// AppendDetail appends a new detail row
func (c *Client) AppendDetail(ctx context.Context, row DetailRow) error {
	if row.LastModified.IsZero() {
		row.LastModified = time.Now().UTC()
	}
	return c.appendRow(ctx, c.detailsSheet, row.values())
}

// UpdateDetail rewrites an existing detail row in place by its row id
func (c *Client) UpdateDetail(ctx context.Context, row DetailRow) error {
	if row.LastModified.IsZero() {
		row.LastModified = time.Now().UTC()
	}

	rows, err := c.findRows(ctx, c.detailsSheet, detailsRange, 0, row.RowID)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("detail %s: %w", row.RowID, ErrRowNotFound)
	}
	return c.updateRow(ctx, c.detailsSheet, rows[0], row.values())
}

// DeleteDetail removes one detail row by its row id
func (c *Client) DeleteDetail(ctx context.Context, rowID string) error {
	rows, err := c.findRows(ctx, c.detailsSheet, detailsRange, 0, rowID)
	if err != nil {
		return err
	}
	return c.deleteRows(ctx, c.detailsSheet, rows)
}

// DeleteDetailsForOrder removes every detail row belonging to an order
func (c *Client) DeleteDetailsForOrder(ctx context.Context, extID string) error {
	rows, err := c.findRows(ctx, c.detailsSheet, detailsRange, 1, extID)
	if err != nil {
		return err
	}
	return c.deleteRows(ctx, c.detailsSheet, rows)
}
