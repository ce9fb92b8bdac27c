package bridge

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vango-go/live-relay/pkg/gateway/metrics"
)

func TestUsageMeter_AccumulatesUsageMetadata(t *testing.T) {
	m := metrics.New()
	u := usageMeter{metrics: m}

	u.observe([]byte(`{"setupComplete":{}}`))
	u.observe([]byte(`{"serverContent":{"modelTurn":{"parts":[{"text":"hi"}]}}}`))
	u.observe([]byte(`{"serverContent":{"turnComplete":true},"usageMetadata":{"promptTokenCount":10,"responseTokenCount":4,"totalTokenCount":14}}`))
	u.observe([]byte(`{"usageMetadata":{"promptTokenCount":2,"responseTokenCount":1,"totalTokenCount":3}}`))
	u.observe([]byte(`{"goAway":{}}`))

	if !u.SetupComplete || !u.GoAway {
		t.Fatalf("setup=%v goAway=%v", u.SetupComplete, u.GoAway)
	}
	if u.Turns != 1 {
		t.Fatalf("turns=%d, want 1", u.Turns)
	}
	if u.PromptTokens != 12 || u.ResponseTokens != 5 || u.TotalTokens != 17 {
		t.Fatalf("tokens=%d/%d/%d, want 12/5/17", u.PromptTokens, u.ResponseTokens, u.TotalTokens)
	}

	n, err := testutil.GatherAndCount(m.Registry(), "relay_upstream_tokens_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 3 {
		t.Fatalf("token series=%d, want 3", n)
	}
}

func TestUsageMeter_IgnoresGarbage(t *testing.T) {
	u := usageMeter{}
	u.observe([]byte(`"usageMetadata" but not json`))
	u.observe([]byte{0x00, 0x01, 0x02})
	if u.TotalTokens != 0 || u.SetupComplete {
		t.Fatalf("meter changed on garbage: %+v", u)
	}
}
