package feeds

import (
	"fmt"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

type applyFeedRequest struct {
	Records []CatalogRecord `json:"records" binding:"required"`
}

// ApplyFeedHandler ingests a JSON catalog feed for the caller's business.
func ApplyFeedHandler(resolveBusinessID func(c *gin.Context) (string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req applyFeedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if len(req.Records) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "records are required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		summary, err := ApplyRecords(ctx, businessId, req.Records)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// ImportFeedXlsxHandler ingests an uploaded xlsx feed. Expected columns:
// Sku, Name, Description, Barcode, SalesPrice, DiscountPrice, StockQty,
// RemoteId; the first row is the header.
func ImportFeedXlsxHandler(resolveBusinessID func(c *gin.Context) (string, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		fileHeader, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if !strings.HasSuffix(fileHeader.Filename, ".xlsx") {
			c.JSON(http.StatusBadRequest, gin.H{"error": "only .xlsx files are allowed"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
			return
		}
		defer file.Close()

		f, err := excelize.OpenReader(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("failed to open Excel file: %v", err)})
			return
		}

		rows, err := f.GetRows("Sheet1")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unable to read sheet: %v", err)})
			return
		}
		if len(rows) < 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sheet has no data rows"})
			return
		}

		records := make([]CatalogRecord, 0, len(rows)-1)
		for _, row := range rows[1:] {
			records = append(records, recordFromRow(row))
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		summary, err := ApplyRecords(ctx, businessId, records)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

func recordFromRow(row []string) CatalogRecord {
	cell := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	return CatalogRecord{
		Sku:           cell(0),
		Name:          cell(1),
		Description:   cell(2),
		Barcode:       cell(3),
		SalesPrice:    cell(4),
		DiscountPrice: cell(5),
		StockQty:      cell(6),
		RemoteId:      cell(7),
	}
}
