package syncapi

import (
	"fmt"

	"bitbucket.org/mmdatafocus/ddsync_backend/models"
	"github.com/xuri/excelize/v2"
)

const resultSheet = "Sheet1"

var resultHeadings = []string{"Type", "Transaction ID", "Payment ID", "Contact", "Amount", "Frequency", "Receive Date"}

// BuildResultWorkbook writes one row per sync result under a heading row.
func BuildResultWorkbook(entries []*models.SyncResultEntry) (*excelize.File, error) {
	f := excelize.NewFile()
	if _, err := f.NewSheet(resultSheet); err != nil {
		return nil, err
	}

	col := 'A'
	for _, h := range resultHeadings {
		if err := f.SetCellValue(resultSheet, string(col)+"1", h); err != nil {
			return nil, err
		}
		col++
	}

	for i, e := range entries {
		row := fmt.Sprint(i + 2)
		amount, _ := e.Amount.Float64()
		values := []interface{}{
			string(e.Type),
			e.TransactionId,
			e.PaymentId,
			e.ContactName,
			amount,
			e.Frequency,
			e.ReceiveDate.Format("2006-01-02"),
		}
		col := 'A'
		for _, v := range values {
			if err := f.SetCellValue(resultSheet, string(col)+row, v); err != nil {
				return nil, err
			}
			col++
		}
	}
	return f, nil
}
