package engine

import (
	"strings"

	"github.com/example/ccom-scheduler/internal/ccom"
)

// The upstream reports outcomes as localized natural-language messages, not
// stable codes. Matching their substrings is fragile by nature but is the only
// contract the vendor offers; these are the literal sentinels it emits.
const (
	msgAlreadyChosen = "已被选择"   // window already booked, possibly by our own retried request
	msgRoomNotOpen   = "未开放"    // room not bookable yet
	msgOrderLimit    = "超出预约次数" // daily order cap hit upstream
	msgDuplicate     = "请勿重复提交" // duplicate request in flight, try again shortly
)

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeTerminal
	outcomeRetryDuplicate
	outcomeRetry
)

// classify maps an upstream place-order result onto the attempt state machine.
func classify(res ccom.PlaceOrderResult) outcome {
	if res.OK() {
		return outcomeSuccess
	}
	switch {
	case strings.Contains(res.Message, msgAlreadyChosen):
		// The upstream reports this when a retried request already went
		// through; treating it as failure would double-book on retry.
		return outcomeSuccess
	case strings.Contains(res.Message, msgRoomNotOpen),
		strings.Contains(res.Message, msgOrderLimit):
		// Neither condition can resolve within the attempt window.
		return outcomeTerminal
	case strings.Contains(res.Message, msgDuplicate):
		return outcomeRetryDuplicate
	default:
		return outcomeRetry
	}
}
