package feeds

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func TestApplyRecords_InvalidRowsAreReportedNotFatal(t *testing.T) {
	records := []CatalogRecord{
		{Sku: "", Name: "No SKU"},
		{Sku: "SKU-1", Name: ""},
		{Sku: "SKU-2", Name: "Bad price", SalesPrice: "not-a-number"},
	}

	summary, err := ApplyRecords(context.Background(), "biz-1", records)
	if err != nil {
		t.Fatalf("ApplyRecords: %v", err)
	}
	if summary.Total != 3 {
		t.Fatalf("expected 3 rows accounted for, got %d", summary.Total)
	}
	if summary.Added != 0 || summary.Updated != 0 {
		t.Fatalf("nothing should land, got added=%d updated=%d", summary.Added, summary.Updated)
	}
	if len(summary.Errors) != 3 {
		t.Fatalf("expected 3 row errors, got %d: %+v", len(summary.Errors), summary.Errors)
	}
	for _, re := range summary.Errors {
		if re.Message == "" || re.Row == 0 {
			t.Fatalf("row error must say what and where: %+v", re)
		}
	}
}

func TestRecordToValues_ParsesDecimals(t *testing.T) {
	values, err := recordToValues(CatalogRecord{
		Sku:        "SKU-1",
		Name:       "Widget",
		SalesPrice: "19.99",
		StockQty:   "3",
	})
	if err != nil {
		t.Fatalf("recordToValues: %v", err)
	}
	if !values["sales_price"].(decimal.Decimal).Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("sales_price wrong: %v", values["sales_price"])
	}
	if !values["stock_qty"].(decimal.Decimal).Equal(decimal.NewFromInt(3)) {
		t.Fatalf("stock_qty wrong: %v", values["stock_qty"])
	}
	if _, ok := values["discount_price"]; ok {
		t.Fatal("absent fields must not be written")
	}
}

func TestRecordToValues_RejectsNegativeValues(t *testing.T) {
	_, err := recordToValues(CatalogRecord{Sku: "SKU-1", Name: "Widget", StockQty: "-1"})
	if err == nil {
		t.Fatal("negative stock must be rejected")
	}
}

func TestRecordFromRow_ShortRowsAreSafe(t *testing.T) {
	record := recordFromRow([]string{"SKU-1", "Widget"})
	if record.Sku != "SKU-1" || record.Name != "Widget" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if record.SalesPrice != "" || record.RemoteId != "" {
		t.Fatal("missing cells must stay empty")
	}
}
