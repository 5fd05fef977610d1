package subscription

import (
	"fmt"
	"time"
)

// progressSummary formats the periodic progress post Consumer A emits every
// 2 minutes after its acknowledgement fires.
func progressSummary(toolsUsed, agentsQueried int, elapsed time.Duration) string {
	return fmt.Sprintf("still working: %d tool calls, %d agents queried, %s elapsed", toolsUsed, agentsQueried, elapsed)
}
