package kafka

import (
	"time"

	"github.com/jmehdipour/relay/internal/model"
	"github.com/segmentio/kafka-go"
)

const (
	hdrMessageID      = "message-id"
	hdrCorrelationID  = "correlation-id"
	hdrConversationID = "conversation-id"
	hdrMessageType    = "message-type"
	hdrContentType    = "content-type"
	hdrSentTime       = "sent-time"
)

// toKafka maps a transport message onto a record for topic. The message id is
// the record key unless a partition key header overrides it.
func toKafka(topic string, msg model.TransportMessage) kafka.Message {
	headers := []kafka.Header{
		{Key: hdrMessageID, Value: []byte(msg.MessageID)},
		{Key: hdrMessageType, Value: []byte(msg.MessageType)},
		{Key: hdrContentType, Value: []byte(msg.ContentType)},
	}
	if msg.CorrelationID != "" {
		headers = append(headers, kafka.Header{Key: hdrCorrelationID, Value: []byte(msg.CorrelationID)})
	}
	if msg.ConversationID != "" {
		headers = append(headers, kafka.Header{Key: hdrConversationID, Value: []byte(msg.ConversationID)})
	}
	if !msg.SentTime.IsZero() {
		headers = append(headers, kafka.Header{Key: hdrSentTime, Value: []byte(msg.SentTime.UTC().Format(time.RFC3339Nano))})
	}
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	key := msg.Header(model.HeaderPartitionKey)
	if key == "" {
		key = msg.MessageID
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   msg.Body,
		Headers: headers,
		Time:    msg.SentTime,
	}
}

func fromKafka(m kafka.Message) model.TransportMessage {
	msg := model.TransportMessage{Body: m.Value}
	for _, h := range m.Headers {
		v := string(h.Value)
		switch h.Key {
		case hdrMessageID:
			msg.MessageID = v
		case hdrCorrelationID:
			msg.CorrelationID = v
		case hdrConversationID:
			msg.ConversationID = v
		case hdrMessageType:
			msg.MessageType = v
		case hdrContentType:
			msg.ContentType = v
		case hdrSentTime:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				msg.SentTime = t
			}
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}
			msg.Headers[h.Key] = v
		}
	}
	if msg.SentTime.IsZero() {
		msg.SentTime = m.Time
	}
	return msg
}
