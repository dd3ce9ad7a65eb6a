package campaign

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Customer status values written to the spreadsheet's status column.
const (
	StatusNotCalled      = "not called"
	StatusDialing        = "dialing"
	StatusInProgress     = "call in progress"
	StatusComplete       = "call complete"
	StatusFailedBusy     = "call failed - busy"
	StatusFailedNoAnswer = "call failed - no answer"
	StatusFailed         = "call failed"
)

// Spreadsheet layout: the operator's control cell and the customer list.
const (
	enabledRange  = "setup!B4:B4"
	customerRange = "phone numbers!A2:C"
	customerSheet = "phone numbers"
)

// Customer is one row of the campaign spreadsheet.
type Customer struct {
	Number string
	Name   string
	Status string
	row    int // 1-based sheet row, for status writeback
}

// Sheet is the campaign's view of the customer spreadsheet.
type Sheet interface {
	// CallingEnabled reads the operator's on/off cell.
	CallingEnabled(ctx context.Context) (bool, error)
	// Customers reads the full customer list.
	Customers(ctx context.Context) ([]Customer, error)
	// UpdateStatus writes a new status into the customer's row.
	UpdateStatus(ctx context.Context, cust Customer, status string) error
}

// googleSheet reads and writes the campaign Google Sheet.
type googleSheet struct {
	svc           *sheets.Service
	spreadsheetID string
	logger        *slog.Logger
}

// NewSheet connects to the Sheets API with the given credentials file.
func NewSheet(ctx context.Context, spreadsheetID, credentialsFile string, logger *slog.Logger) (Sheet, error) {
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsFile),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sheets client: %w", err)
	}
	return &googleSheet{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		logger:        logger.With("subsystem", "campaign"),
	}, nil
}

func (g *googleSheet) CallingEnabled(ctx context.Context) (bool, error) {
	res, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, enabledRange).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("reading calling-enabled cell: %w", err)
	}
	if len(res.Values) == 0 || len(res.Values[0]) == 0 {
		return false, nil
	}
	val := strings.TrimSpace(fmt.Sprint(res.Values[0][0]))
	return strings.EqualFold(val, "true"), nil
}

func (g *googleSheet) Customers(ctx context.Context) ([]Customer, error) {
	res, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, customerRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("reading customer rows: %w", err)
	}

	customers := make([]Customer, 0, len(res.Values))
	for i, row := range res.Values {
		cust := Customer{row: i + 2}
		if len(row) > 0 {
			cust.Number = strings.TrimSpace(fmt.Sprint(row[0]))
		}
		if len(row) > 1 {
			cust.Name = strings.TrimSpace(fmt.Sprint(row[1]))
		}
		if len(row) > 2 {
			cust.Status = strings.TrimSpace(fmt.Sprint(row[2]))
		}
		if cust.Number == "" {
			continue
		}
		customers = append(customers, cust)
	}
	return customers, nil
}

func (g *googleSheet) UpdateStatus(ctx context.Context, cust Customer, status string) error {
	cell := fmt.Sprintf("%s!C%d", customerSheet, cust.row)
	g.logger.Debug("updating status cell", "cell", cell, "status", status)

	body := &sheets.ValueRange{
		Range:          cell,
		MajorDimension: "ROWS",
		Values:         [][]any{{status}},
	}
	_, err := g.svc.Spreadsheets.Values.Update(g.spreadsheetID, cell, body).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("updating status cell %s: %w", cell, err)
	}
	return nil
}
