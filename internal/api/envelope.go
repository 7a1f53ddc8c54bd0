package api

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"csv-ingest/internal/domain"
)

// MaxEnvelopeBytes bounds the push request body.
const MaxEnvelopeBytes = 10 << 20

// pushEnvelope is the body of a Pub/Sub push request. encoding/json decodes
// the base64 data field into bytes.
type pushEnvelope struct {
	Message *struct {
		Attributes  map[string]string `json:"attributes"`
		Data        []byte            `json:"data"`
		MessageID   string            `json:"messageId"`
		MessageID2  string            `json:"message_id"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// objectPayload covers the object resource carried in a storage notification
// and the nested data of a CloudEvents-shaped payload.
type objectPayload struct {
	Bucket     string          `json:"bucket"`
	BucketID   string          `json:"bucketId"`
	BucketName string          `json:"bucket_name"`
	Name       string          `json:"name"`
	ObjectID   string          `json:"objectId"`
	Object     string          `json:"object"`
	ObjectName string          `json:"object_name"`
	Generation json.RawMessage `json:"generation"`
	EventType  string          `json:"eventType"`
	EventType2 string          `json:"event_type"`

	// CloudEvents fields.
	Type string         `json:"type"`
	Data *objectPayload `json:"data"`
}

func (p *objectPayload) bucket() string {
	return firstNonEmpty(p.Bucket, p.BucketID, p.BucketName)
}

func (p *objectPayload) eventType() string {
	return firstNonEmpty(p.EventType, p.EventType2)
}

func (p *objectPayload) object() string {
	return firstNonEmpty(p.Name, p.ObjectID, p.Object, p.ObjectName)
}

// DecodeNotification extracts a storage notification from a push body. The
// object is looked up in the message attributes first, then in the decoded
// data, then in a CloudEvents-shaped data payload. An event type missing from
// the attributes is taken from the data. A body that names no
// bucket and object is a ValidationError.
func DecodeNotification(body []byte) (domain.Notification, error) {
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.Notification{}, domain.ErrValidation("malformed push envelope: %v", err)
	}
	if env.Message == nil {
		return domain.Notification{}, domain.ErrValidation("push envelope has no message")
	}
	msg := env.Message
	attrs := msg.Attributes

	n := domain.Notification{
		MessageID: firstNonEmpty(msg.MessageID, msg.MessageID2),
		EventType: attrs["eventType"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, msg.PublishTime); err == nil {
		n.PublishTime = ts
	}

	var payload objectPayload
	if len(msg.Data) > 0 {
		// Non-JSON data is tolerated as long as the attributes are complete.
		_ = json.Unmarshal(msg.Data, &payload)
	}

	var genRaw json.RawMessage
	switch {
	case firstNonEmpty(attrs["bucketId"], attrs["bucket"], attrs["bucket_name"]) != "" &&
		firstNonEmpty(attrs["objectId"], attrs["name"], attrs["object"], attrs["object_name"]) != "":
		n.Bucket = firstNonEmpty(attrs["bucketId"], attrs["bucket"], attrs["bucket_name"])
		n.Object = firstNonEmpty(attrs["objectId"], attrs["name"], attrs["object"], attrs["object_name"])
		if g := attrs["objectGeneration"]; g != "" {
			genRaw = json.RawMessage(strconv.Quote(g))
		} else if payload.object() == n.Object {
			genRaw = payload.Generation
		}
		if n.EventType == "" && payload.object() == n.Object {
			n.EventType = firstNonEmpty(payload.eventType(), payload.Type)
		}
	case payload.bucket() != "" && payload.object() != "":
		n.Bucket, n.Object = payload.bucket(), payload.object()
		genRaw = payload.Generation
		if n.EventType == "" {
			n.EventType = firstNonEmpty(payload.eventType(), payload.Type)
		}
	case payload.Data != nil && payload.Data.bucket() != "" && payload.Data.object() != "":
		n.Bucket, n.Object = payload.Data.bucket(), payload.Data.object()
		genRaw = payload.Data.Generation
		if n.EventType == "" {
			n.EventType = firstNonEmpty(payload.Type, payload.eventType(), payload.Data.eventType())
		}
	default:
		return domain.Notification{}, domain.ErrValidation("push message names no bucket and object")
	}

	gen, err := parseGeneration(genRaw)
	if err != nil {
		return domain.Notification{}, err
	}
	n.Generation = gen
	return n, nil
}

// parseGeneration accepts a JSON number or a decimal string. A missing
// generation is 0.
func parseGeneration(raw json.RawMessage) (int64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, nil
	}
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	gen, err := strconv.ParseInt(s, 10, 64)
	if err != nil || gen < 0 {
		return 0, domain.ErrValidation("invalid object generation %q", s)
	}
	return gen, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
