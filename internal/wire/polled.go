package wire

import (
	"fmt"
	"time"

	"github.com/cyphertite/ctengine/internal/errs"
)

// PolledTimeout is the fixed deadline open_polled waits on, matching the
// original's synchronous startup open.
const PolledTimeout = 20 * time.Second

// deadlineConn is implemented by most real transports (net.Conn); a
// Conn that doesn't implement it just skips the deadline.
type deadlineConn interface {
	SetReadDeadline(t time.Time) error
}

// OpenPolled performs one synchronous request/reply outside the event
// loop: it writes the request under the caller-supplied tag and blocks
// for the reply with a fixed timeout, rejecting a reply that does not
// echo that tag. OpenPolled neither allocates nor reuses a packet-id
// itself; the ctfile polled openers pass a freshly allocated NextTag
// value. It is used for the open exchange of a stream.
func (c *Codec) OpenPolled(tag uint32, req interface{}, reply interface{}) error {
	if err := c.WriteXML(tag, FlagMetadata, req); err != nil {
		return err
	}
	if dc, ok := c.conn.(deadlineConn); ok {
		if err := dc.SetReadDeadline(time.Now().Add(PolledTimeout)); err != nil {
			return fmt.Errorf("%w: set read deadline: %v", errs.ErrLocalIO, err)
		}
		defer dc.SetReadDeadline(time.Time{})
	}
	h, err := c.ReadXMLReply(reply)
	if err != nil {
		return err
	}
	if h.Tag != tag {
		return fmt.Errorf("%w: open_polled reply tag %d != request tag %d", errs.ErrProtocol, h.Tag, tag)
	}
	return nil
}
