package firehose

import "testing"

func TestNilPublisherIsSafe(t *testing.T) {
	var p *Publisher
	p.Publish("session.connected", map[string]any{"role": "user"})
	p.Close()
}
