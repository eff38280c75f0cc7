package mqtt

import (
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

const debugPayloadLimit = 64

// PacketString shows PUBLISH payload as hex, truncated.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	payload := m.Payload
	suffix := ""
	if len(payload) > debugPayloadLimit {
		payload, suffix = payload[:debugPayloadLimit], fmt.Sprintf("...(%d)", len(m.Payload))
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x%s", m.Topic, m.QOS, m.Retain, payload, suffix)
}
