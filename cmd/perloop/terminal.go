package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/perloop-ai/perloop/intervention"
)

// terminalApprover prompts the operator at the controlling terminal for a
// decision on the pending request, one race arm of the concurrent
// terminal/web approval path spec.md §4.9 and scenario S5 describe.
type terminalApprover struct {
	reader  *bufio.Reader
	request intervention.Request
}

func (t *terminalApprover) approve(ctx context.Context) (intervention.Action, any, error) {
	fmt.Printf("\n--- approval requested (%s) ---\n%v\n", t.request.Kind, t.request.Payload)
	fmt.Print("approve/reject/modify? [a/r/m]: ")

	lineCh := make(chan string, 1)
	go func() {
		line, _ := t.reader.ReadString('\n')
		lineCh <- strings.TrimSpace(strings.ToLower(line))
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n--- approval race lost to another source, aborting prompt ---")
		return "", nil, ctx.Err()
	case line := <-lineCh:
		switch {
		case strings.HasPrefix(line, "a"):
			return intervention.Approve, nil, nil
		case strings.HasPrefix(line, "m"):
			return intervention.Modify, t.request.Payload, nil
		default:
			return intervention.Reject, nil, nil
		}
	}
}
