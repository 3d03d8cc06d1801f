package server

import (
	"context"

	"github.com/ppiankov/fsh/internal/protocol"
	"github.com/ppiankov/fsh/internal/shell"
)

// streamOutput relays process output to the client as CommandOutput frames
// and terminates the exchange with exactly one CommandComplete. It runs on
// its own goroutine; frame writes interleave safely with handler responses
// through the connection write lock.
func (c *connection) streamOutput(sess *Session, running *shell.Running, cancel context.CancelFunc) {
	defer cancel()

	for chunk := range running.Output() {
		stream := protocol.StreamStdout
		if chunk.Stream == shell.Stderr {
			stream = protocol.StreamStderr
		}
		err := c.send(protocol.MsgCommandOutput, protocol.CommandOutput{
			SessionID: sess.ID,
			Stream:    stream,
			Data:      chunk.Data,
		})
		if err != nil {
			// The peer is gone. Kill the process and drain the channel so
			// the pumps can finish.
			running.Kill()
			for range running.Output() {
			}
			break
		}
		sess.Touch()
	}

	exit := running.Wait()

	// Free the session before the completion frame goes out: a client that
	// pipelines its next Command the moment it reads CommandComplete must
	// not race into a Busy rejection.
	sess.End()
	_ = c.send(protocol.MsgCommandComplete, protocol.CommandComplete{
		SessionID: sess.ID,
		ExitCode:  exit,
	})
	c.extendDeadline()
}
