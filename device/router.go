package device

// router dispatches inbound messages to message observer.
// No buffering, no acknowledgement, delivery semantics are those of transport QoS.
type router struct {
	client *Client
}

func (r router) route(topic string, payload []byte) {
	c := r.client
	c.log.Infof("message received topic=%s", topic)
	fn := c.messageHandler()
	if fn == nil {
		c.log.Warnf("message received but no handler attached topic=%s payload=%x", topic, payload)
		c.metrics.IncDropped()
		return
	}
	c.metrics.IncReceived()
	fn(payload)
}
