package gomqtt

import (
	"fmt"

	"github.com/256dpi/gomqtt/packet"
)

// PacketString is packet.String with PUBLISH payload as hex.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	switch pt := p.(type) {
	case *packet.Publish:
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pt.ID, pt.Dup, MessageString(&pt.Message))
	case *packet.Connect:
		// password is secret
		return fmt.Sprintf("<Connect ClientID=%q KeepAlive=%d Username=%q CleanSession=%t>", pt.ClientID, pt.KeepAlive, pt.Username, pt.CleanSession)
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%x", m.Topic, m.QOS, m.Retain, m.Payload)
}
