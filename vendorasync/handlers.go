package vendorasync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"bitbucket.org/mmdatafocus/catalog_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"
)

func StatusHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		resp, err := service.GetStatus(ctx, businessId)
		if err != nil {
			writeErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func TriggerSyncHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		job, err := service.TriggerSync(ctx, businessId, models.SyncTriggeredManual)
		if err != nil {
			writeErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": job.ID, "status": job.Status})
	}
}

func ToggleAutoSyncHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ToggleAutoSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if err := service.ToggleAutoSync(ctx, businessId, *req.Enabled); err != nil {
			writeErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func SetSyncIntervalHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req SetSyncIntervalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if err := service.SetSyncInterval(ctx, businessId, req.Hours); err != nil {
			writeErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func JobDetailHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		resp, err := service.GetJob(ctx, businessId, uint(id))
		if err != nil {
			writeErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func CancelJobHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if err := service.CancelJob(ctx, businessId, uint(id)); err != nil {
			writeErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func HistoryHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		page := intQuery(c, "page", 1)
		pageSize := intQuery(c, "pageSize", 50)

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		resp, err := service.GetHistory(ctx, businessId, page, pageSize)
		if err != nil {
			writeErrorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HistoryExportHandler streams the sync history as an xlsx attachment.
func HistoryExportHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		resp, err := service.GetHistory(ctx, businessId, 1, 200)
		if err != nil {
			writeErrorResponse(c, err)
			return
		}

		f := excelize.NewFile()
		sheet := "Sheet1"
		f.SetCellValue(sheet, "A1", "JobId")
		f.SetCellValue(sheet, "B1", "Attempt")
		f.SetCellValue(sheet, "C1", "StartedAt")
		f.SetCellValue(sheet, "D1", "FinishedAt")
		f.SetCellValue(sheet, "E1", "DurationMs")
		f.SetCellValue(sheet, "F1", "RecordsAdded")
		f.SetCellValue(sheet, "G1", "RecordsUpdated")
		f.SetCellValue(sheet, "H1", "RecordsErrored")

		for i, entry := range resp.Items {
			row := fmt.Sprint(i + 2)
			f.SetCellValue(sheet, "A"+row, entry.JobId)
			f.SetCellValue(sheet, "B"+row, entry.Attempt)
			f.SetCellValue(sheet, "C"+row, entry.StartedAt)
			if entry.FinishedAt != nil {
				f.SetCellValue(sheet, "D"+row, *entry.FinishedAt)
			}
			f.SetCellValue(sheet, "E"+row, entry.DurationMs)
			f.SetCellValue(sheet, "F"+row, entry.RecordsAdded)
			f.SetCellValue(sheet, "G"+row, entry.RecordsUpdated)
			f.SetCellValue(sheet, "H"+row, entry.RecordsErrored)
		}

		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=sync_history.xlsx")
		if err := f.Write(c.Writer); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write file"})
		}
	}
}

func StorefrontStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)

		conn, err := models.GetStorefrontConnection(ctx, businessId)
		if err != nil {
			writeErrorResponse(c, err)
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"status": models.StorefrontStatusDisconnected})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":            conn.Status,
			"storeId":           conn.StoreId,
			"storeName":         conn.StoreName,
			"lastSyncAt":        formatTime(conn.LastSyncAt),
			"lastSuccessSyncAt": formatTime(conn.LastSuccessSyncAt),
		})
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if strings.TrimSpace(req.StoreId) == "" || strings.TrimSpace(req.APIKey) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "storeId and apiKey are required"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		// Reject credentials the remote refuses before persisting anything.
		remote, err := NewVendoraClient(req.APIKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !remote.TestConnection(ctx) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "vendora rejected the credentials"})
			return
		}

		conn, err := models.GetStorefrontConnection(ctx, businessId)
		if err != nil {
			writeErrorResponse(c, err)
			return
		}

		now := time.Now()
		storeName := strings.TrimSpace(req.StoreName)
		if storeName == "" {
			storeName = req.StoreId
		}

		if conn == nil {
			conn = &models.StorefrontConnection{
				BusinessId:    businessId,
				Provider:      models.StorefrontProviderVendora,
				Status:        models.StorefrontStatusConnected,
				AuthSecretRef: req.APIKey,
				StoreId:       req.StoreId,
				StoreName:     storeName,
				UpdatedAt:     now,
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			if err := db.Model(conn).Updates(map[string]interface{}{
				"status":          models.StorefrontStatusConnected,
				"auth_secret_ref": req.APIKey,
				"store_id":        req.StoreId,
				"store_name":      storeName,
				"updated_at":      now,
			}).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := ResolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		db := config.GetDB().WithContext(ctx)

		conn, err := models.GetStorefrontConnection(ctx, businessId)
		if err != nil {
			writeErrorResponse(c, err)
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}

		if err := db.Model(conn).Updates(map[string]interface{}{
			"status":          models.StorefrontStatusDisconnected,
			"auth_secret_ref": "",
			"updated_at":      time.Now(),
		}).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// ResolveBusinessID maps the session user to a business. Admins may act on
// another business via the business_id query parameter.
func ResolveBusinessID(c *gin.Context) (string, error) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(username) == "" {
		return "", errors.New("unauthorized")
	}

	businessId := strings.TrimSpace(c.Query("business_id"))
	if businessId != "" {
		if err := authorizeInternalBusiness(c.Request.Context(), businessId); err != nil {
			return "", err
		}
		return businessId, nil
	}

	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return "", err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return "", errors.New("db is nil")
		}
		if err := db.WithContext(c.Request.Context()).
			Model(&models.User{}).
			Where("username = ?", username).
			Take(&user).Error; err != nil {
			return "", errors.New("unauthorized")
		}
	}
	businessId = strings.TrimSpace(user.BusinessId)
	if businessId == "" {
		return "", errors.New("business_id is required")
	}
	return businessId, nil
}

func authorizeInternalBusiness(ctx context.Context, businessId string) error {
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}
	if businessId == "" {
		return errors.New("business_id is required")
	}

	var user models.User
	exists, err := config.GetRedisObject("User:"+username, &user)
	if err != nil {
		return err
	}
	if !exists {
		db := config.GetDB()
		if db == nil {
			return errors.New("db is nil")
		}
		if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Take(&user).Error; err != nil {
			return errors.New("unauthorized")
		}
	}

	if user.Role == models.UserRoleAdmin {
		return nil
	}
	if user.BusinessId != businessId {
		return errors.New("unauthorized")
	}
	return nil
}

// writeErrorResponse maps the sync error taxonomy onto HTTP statuses.
func writeErrorResponse(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrorInvalidArgument), errors.Is(err, models.ErrorValidationFailure):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrorInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrorQuotaExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrorUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrorRemoteUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	if v := strings.TrimSpace(c.Query(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
