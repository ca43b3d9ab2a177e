package billing

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/notification.json
var schemaFS embed.FS

var (
	notificationSchemaOnce sync.Once
	notificationSchema     *jsonschema.Schema
	notificationSchemaErr  error
)

func compiledNotificationSchema() (*jsonschema.Schema, error) {
	notificationSchemaOnce.Do(func() {
		raw, err := schemaFS.ReadFile("schemas/notification.json")
		if err != nil {
			notificationSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("notification.json", bytes.NewReader(raw)); err != nil {
			notificationSchemaErr = err
			return
		}
		notificationSchema, notificationSchemaErr = compiler.Compile("notification.json")
	})
	return notificationSchema, notificationSchemaErr
}

var ErrInvalidNotification = errors.New("invalid mercado pago notification")

// Notification is the webhook body Mercado Pago posts for every topic.
type Notification struct {
	ID     string
	Type   string
	Action string
	DataID string
}

func parseNotification(payload []byte) (Notification, error) {
	var n Notification

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	schema, err := compiledNotificationSchema()
	if err != nil {
		return n, err
	}
	if err := schema.Validate(doc); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	var raw struct {
		ID     any    `json:"id"`
		Type   string `json:"type"`
		Action string `json:"action"`
		Data   struct {
			ID any `json:"id"`
		} `json:"data"`
	}
	dec = json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return n, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	n.ID = idString(raw.ID)
	n.Type = strings.TrimSpace(raw.Type)
	n.Action = strings.TrimSpace(raw.Action)
	n.DataID = idString(raw.Data.ID)
	return n, nil
}

// EventID is the ledger key: the notification id when present, else the
// topic, action and resource id together.
func (n Notification) EventID() string {
	if n.ID != "" {
		return n.ID
	}
	return n.Type + ":" + n.Action + ":" + n.DataID
}

func idString(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case json.Number:
		return value.String()
	default:
		return ""
	}
}
