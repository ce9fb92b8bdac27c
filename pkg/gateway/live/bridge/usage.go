package bridge

import (
	"bytes"
	"encoding/json"

	"google.golang.org/genai"

	"github.com/vango-go/live-relay/pkg/gateway/metrics"
)

var usageMarkers = [][]byte{
	[]byte(`"usageMetadata"`),
	[]byte(`"setupComplete"`),
	[]byte(`"goAway"`),
	[]byte(`"turnComplete"`),
}

// usageMeter reads upstream frames after they have been forwarded. It is
// only touched by the upstream reader goroutine until the bridge finishes.
type usageMeter struct {
	metrics *metrics.Relay

	PromptTokens   int64
	ResponseTokens int64
	TotalTokens    int64
	Turns          int
	SetupComplete  bool
	GoAway         bool
}

func (u *usageMeter) observe(data []byte) {
	if !hasUsageMarker(data) {
		return
	}
	var msg genai.LiveServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.SetupComplete != nil {
		u.SetupComplete = true
	}
	if msg.GoAway != nil {
		u.GoAway = true
	}
	if msg.ServerContent != nil && msg.ServerContent.TurnComplete {
		u.Turns++
	}
	if um := msg.UsageMetadata; um != nil {
		u.PromptTokens += int64(um.PromptTokenCount)
		u.ResponseTokens += int64(um.ResponseTokenCount)
		u.TotalTokens += int64(um.TotalTokenCount)
		u.metrics.UpstreamTokens("prompt", um.PromptTokenCount)
		u.metrics.UpstreamTokens("response", um.ResponseTokenCount)
		u.metrics.UpstreamTokens("total", um.TotalTokenCount)
	}
}

func hasUsageMarker(data []byte) bool {
	for _, m := range usageMarkers {
		if bytes.Contains(data, m) {
			return true
		}
	}
	return false
}
