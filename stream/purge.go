// Package stream provides DynamoDB Streams handlers that keep derived
// entries consistent with primary records.
package stream

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jacentio/arbor/internal/keys"
	"github.com/jacentio/arbor/internal/metrics"
	"github.com/jacentio/arbor/resource"
)

// Stream record attributes written by the kv/dynamo adapter.
const (
	attrPK  = "pk"
	attrSK  = "sk"
	attrVal = "val"

	recordSK = "#"
)

// Handler purges index entries, collection memberships and associations of
// primary records removed from the table, whether by the engine, TTL expiry
// or direct deletes. Has-one entries and has-many sets other types keep for
// the removed record are dropped as well.
//
// The stream must include old images (OLD_IMAGE or NEW_AND_OLD_IMAGES).
type Handler struct {
	engine   *resource.Engine
	registry *resource.Registry
	keys     keys.Composer
	logger   *zap.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(engine *resource.Engine, registry *resource.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		engine:   engine,
		registry: registry,
		keys:     keys.New(engine.Namespace()),
		logger:   logger,
	}
}

// HandleRecordRemoval processes DynamoDB stream events and purges the derived
// entries of every removed primary record.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleRecordRemoval(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			metrics.IncStreamRecord(metrics.OutcomeError)
			h.logger.Warn("failed to process record",
				zap.String("eventID", record.EventID),
				zap.Error(err),
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	schema, r, ok := h.removedRecord(record)
	if !ok {
		metrics.IncStreamRecord(metrics.OutcomeSkipped)
		return nil
	}

	id, _ := r.Lookup(schema.PrimaryKey())
	if err := h.engine.Purge(ctx, schema, r); err != nil {
		return fmt.Errorf("purge %s %s: %w", schema.Type(), id, err)
	}

	// Entries other types keep for this record.
	if inbound := h.registry.AssociationsTo(schema.Type()); len(inbound) > 0 {
		if err := h.engine.Detach(ctx, schema, inbound, r); err != nil {
			return fmt.Errorf("detach %s %s: %w", schema.Type(), id, err)
		}
	}

	metrics.IncStreamRecord(metrics.OutcomeOK)
	h.logger.Info("purged removed record",
		zap.String("type", schema.Type()),
		zap.String("id", id),
	)
	return nil
}

// removedRecord returns the schema and old image of a removed primary
// record. Index, set and hash field items are skipped.
func (h *Handler) removedRecord(record events.DynamoDBEventRecord) (*resource.Schema, resource.Resource, bool) {
	if record.EventName != string(events.DynamoDBOperationTypeRemove) {
		return nil, nil, false
	}
	if getStringAttr(record.Change.Keys, attrSK) != recordSK {
		return nil, nil, false
	}

	// Primary records are ns:type:id.
	parts, ok := h.keys.Split(getStringAttr(record.Change.Keys, attrPK))
	if !ok || len(parts) != 2 {
		return nil, nil, false
	}

	// Sets share the "#" item but carry members instead of val.
	data := getBinaryAttr(record.Change.OldImage, attrVal)
	if data == nil {
		return nil, nil, false
	}

	schema, err := h.registry.Schema(parts[0])
	if err != nil {
		h.logger.Debug("skipping unregistered type", zap.String("type", parts[0]))
		return nil, nil, false
	}

	r, err := h.engine.Decode(data)
	if err != nil {
		h.logger.Warn("skipping undecodable record",
			zap.String("eventID", record.EventID),
			zap.String("type", parts[0]),
			zap.Error(err),
		)
		return nil, nil, false
	}
	r[schema.PrimaryKey()] = parts[1]
	return schema, r, true
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}

// getBinaryAttr extracts a binary attribute from a DynamoDB stream image.
func getBinaryAttr(image map[string]events.DynamoDBAttributeValue, key string) []byte {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeBinary {
		return v.Binary()
	}
	return nil
}
