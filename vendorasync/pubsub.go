package vendorasync

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/catalog_backend/config"
	"bitbucket.org/mmdatafocus/catalog_backend/models"
	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"
)

// PublishJobEvent announces a terminal job transition on the sync-events
// topic. Downstream consumers (notifications, analytics) subscribe there.
func PublishJobEvent(ctx context.Context, job *models.SyncJob) error {
	topicName := strings.TrimSpace(os.Getenv("CATALOG_SYNC_EVENTS_TOPIC"))
	if topicName == "" {
		topicName = "catalog-sync-events"
	}

	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(topicName)
	if envBoolDefault("CATALOG_SYNC_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, topicName)
		if err != nil {
			return err
		}
	}

	event := JobEvent{
		JobId:      job.ID,
		BusinessId: job.BusinessId,
		Kind:       string(job.Kind),
		Status:     string(job.Status),
		Error:      job.LastError,
		FinishedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if job.CompletedAt != nil {
		event.FinishedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	data, _ := json.Marshal(event)
	res := topic.Publish(ctx, &pubsub.Message{Data: data})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler accepts push-subscription deliveries that request a sync
// for a business. Malformed messages are swallowed with 204 so Pub/Sub does
// not redeliver them forever.
func PubSubPushHandler(service *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_CATALOG_SYNC_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var payload SyncPubSubPayload
		if err := json.Unmarshal(envelope.Message.Data, &payload); err != nil {
			c.Status(204)
			return
		}
		if payload.BusinessId == "" {
			c.Status(204)
			return
		}
		triggeredBy := payload.TriggeredBy
		if triggeredBy == "" {
			triggeredBy = models.SyncTriggeredPubSub
		}

		_, _ = service.TriggerSync(c.Request.Context(), payload.BusinessId, triggeredBy)
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
