package targets

import (
	"fmt"
	"sort"

	outbox "github.com/oagudo/outboxkit"
)

// Header names set on every published message.
const (
	HeaderMessageID   = "message_id"
	HeaderMessageType = "message_type"
)

// headers returns the broker headers of msg: its observability context pairs plus the id
// and type headers.
func headers(msg *outbox.Message) (map[string]string, error) {
	h, err := msg.Headers()
	if err != nil {
		return nil, fmt.Errorf("message %v: %w", msg.ID, err)
	}

	h[HeaderMessageID] = fmt.Sprint(msg.ID)
	if msg.Type != "" {
		h[HeaderMessageType] = msg.Type
	}
	return h, nil
}

func sortedNames(h map[string]string) []string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
