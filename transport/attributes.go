package transport

import (
	"go.opentelemetry.io/otel/attribute"
)

const messagingSystem = "nats"

// Attribute keys following OTel messaging semantic conventions.
const (
	attrMessagingSystem          = "messaging.system"
	attrMessagingOperationName   = "messaging.operation.name"
	attrMessagingOperationType   = "messaging.operation.type"
	attrMessagingDestinationName = "messaging.destination.name"
	attrMessagingMessageID       = "messaging.message.id"
	attrMessagingMessageBodySize = "messaging.message.body.size"
	attrMessagingConsumerGroup   = "messaging.consumer.group.name"
)

const (
	opTypePublish = "publish"
	opTypeSend    = "send"
	opTypeProcess = "process"
)

func publishAttributes(subject string, msgID string, bodySize int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)

	attrs = append(attrs,
		attribute.String(attrMessagingSystem, messagingSystem),
		attribute.String(attrMessagingOperationName, opTypePublish),
		attribute.String(attrMessagingOperationType, opTypeSend),
		attribute.String(attrMessagingDestinationName, subject),
	)

	if msgID != "" {
		attrs = append(attrs, attribute.String(attrMessagingMessageID, msgID))
	}

	if bodySize > 0 {
		attrs = append(attrs, attribute.Int(attrMessagingMessageBodySize, bodySize))
	}

	return attrs
}

func processAttributes(stream, consumer, subject string, bodySize int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)

	attrs = append(attrs,
		attribute.String(attrMessagingSystem, messagingSystem),
		attribute.String(attrMessagingOperationName, opTypeProcess),
		attribute.String(attrMessagingOperationType, opTypeProcess),
		attribute.String(attrMessagingDestinationName, subject),
	)

	if consumer != "" {
		attrs = append(attrs, attribute.String(attrMessagingConsumerGroup, stream+"/"+consumer))
	}

	if bodySize > 0 {
		attrs = append(attrs, attribute.Int(attrMessagingMessageBodySize, bodySize))
	}

	return attrs
}
