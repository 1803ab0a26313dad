package sheets

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"tablebridge/engine/internal/engine"
	"tablebridge/engine/internal/metrics"
)

// Client wraps the Google Sheets values and batchUpdate APIs behind the
// engine's narrow interface. One client is bound to one access token.
type Client struct {
	svc     *sheets.Service
	metrics *metrics.MetricsRegistry
}

var _ engine.SheetsClient = (*Client)(nil)

// New builds a client from an OAuth access token. metrics may be nil.
func New(ctx context.Context, token string, m *metrics.MetricsRegistry) (*Client, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	svc, err := sheets.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("creating sheets service: %w", err)
	}
	return &Client{svc: svc, metrics: m}, nil
}

// Factory adapts New to the engine's client factory signature.
func Factory(m *metrics.MetricsRegistry) engine.SheetsClientFactory {
	return func(ctx context.Context, token string) (engine.SheetsClient, error) {
		return New(ctx, token, m)
	}
}

// qualifyRange prefixes a range with the quoted sheet name.
func qualifyRange(sheetName, a1Range string) string {
	if sheetName == "" {
		return a1Range
	}
	escaped := strings.ReplaceAll(sheetName, "'", "''")
	return fmt.Sprintf("'%s'!%s", escaped, a1Range)
}

func (c *Client) count(status string) {
	if c.metrics != nil {
		c.metrics.ProviderCallsTotal.WithLabelValues("sheets", status).Inc()
	}
}

// GetSheetData reads a range. Values come back unformatted so numbers are
// numbers, with dates rendered as strings.
func (c *Client) GetSheetData(ctx context.Context, spreadsheetID, sheetName, a1Range string) ([][]interface{}, error) {
	resp, err := c.svc.Spreadsheets.Values.
		Get(spreadsheetID, qualifyRange(sheetName, a1Range)).
		ValueRenderOption("UNFORMATTED_VALUE").
		DateTimeRenderOption("FORMATTED_STRING").
		Context(ctx).Do()
	if err != nil {
		c.count("error")
		return nil, wrapError("reading sheet values", err)
	}
	c.count("ok")
	return resp.Values, nil
}

// UpdateSheetData overwrites a range. Input is USER_ENTERED so the
// validator's apostrophe guard renders would-be formulas as text.
func (c *Client) UpdateSheetData(ctx context.Context, spreadsheetID, sheetName, a1Range string, values [][]interface{}) error {
	_, err := c.svc.Spreadsheets.Values.
		Update(spreadsheetID, qualifyRange(sheetName, a1Range), &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	if err != nil {
		c.count("error")
		return wrapError("updating sheet values", err)
	}
	c.count("ok")
	return nil
}

// AppendRows appends rows after the last row with data.
func (c *Client) AppendRows(ctx context.Context, spreadsheetID, sheetName string, values [][]interface{}) error {
	_, err := c.svc.Spreadsheets.Values.
		Append(spreadsheetID, qualifyRange(sheetName, "A1"), &sheets.ValueRange{Values: values}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		c.count("error")
		return wrapError("appending sheet rows", err)
	}
	c.count("ok")
	return nil
}

// DeleteRows removes count rows starting at the 1-based startRow.
func (c *Client) DeleteRows(ctx context.Context, spreadsheetID string, sheetID int64, startRow, count int) error {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			DeleteDimension: &sheets.DeleteDimensionRequest{
				Range: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "ROWS",
					StartIndex: int64(startRow - 1),
					EndIndex:   int64(startRow - 1 + count),
				},
			},
		}},
	}
	_, err := c.svc.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		c.count("error")
		return wrapError("deleting sheet rows", err)
	}
	c.count("ok")
	return nil
}

// EnsureColumnsExist grows the sheet grid so at least minColumns exist.
func (c *Client) EnsureColumnsExist(ctx context.Context, spreadsheetID string, sheetID int64, minColumns int) error {
	meta, err := c.svc.Spreadsheets.Get(spreadsheetID).
		Fields("sheets(properties(sheetId,gridProperties(columnCount)))").
		Context(ctx).Do()
	if err != nil {
		c.count("error")
		return wrapError("reading spreadsheet metadata", err)
	}
	c.count("ok")

	current := int64(0)
	for _, sh := range meta.Sheets {
		if sh.Properties != nil && sh.Properties.SheetId == sheetID && sh.Properties.GridProperties != nil {
			current = sh.Properties.GridProperties.ColumnCount
			break
		}
	}
	if current >= int64(minColumns) {
		return nil
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AppendDimension: &sheets.AppendDimensionRequest{
				SheetId:   sheetID,
				Dimension: "COLUMNS",
				Length:    int64(minColumns) - current,
			},
		}},
	}
	_, err = c.svc.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		c.count("error")
		return wrapError("appending sheet columns", err)
	}
	c.count("ok")
	return nil
}

// HideColumn hides one zero-based column from users. The data stays
// readable through the API.
func (c *Client) HideColumn(ctx context.Context, spreadsheetID string, sheetID int64, columnIndex int) error {
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			UpdateDimensionProperties: &sheets.UpdateDimensionPropertiesRequest{
				Range: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "COLUMNS",
					StartIndex: int64(columnIndex),
					EndIndex:   int64(columnIndex + 1),
				},
				Properties: &sheets.DimensionProperties{HiddenByUser: true},
				Fields:     "hiddenByUser",
			},
		}},
	}
	_, err := c.svc.Spreadsheets.BatchUpdate(spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		c.count("error")
		return wrapError("hiding sheet column", err)
	}
	c.count("ok")
	return nil
}
