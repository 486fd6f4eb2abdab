package redis

import (
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestDecode(t *testing.T) {
	m, ok := decode("bid_events:p1", `{"item_id":"p1","amount":"55"}`)
	check.True(t, ok)
	check.Equal(t, "p1", m.ItemID)
	check.Equal(t, `{"item_id":"p1","amount":"55"}`, string(m.Payload))

	_, ok = decode("bid_events:p1", `{not json`)
	check.False(t, ok)

	_, ok = decode("other:p1", `{}`)
	check.False(t, ok)
}

func TestPattern(t *testing.T) {
	check.Equal(t, "bid_events:*", Pattern)
}
