package openai

import (
	"net"
	"sync/atomic"
)

type liveCall struct {
	closed atomic.Bool
}

func (c *liveCall) RemoteAddr() *net.UDPAddr               { return nil }
func (c *liveCall) LearnRemoteAddr(addr *net.UDPAddr) bool { return false }
func (c *liveCall) Active() bool                           { return true }
func (c *liveCall) AddOutstanding(n int)                   {}
func (c *liveCall) ResetOutstanding()                      {}
func (c *liveCall) Outstanding() int                       { return 0 }
func (c *liveCall) MarkAIClosed()                          { c.closed.Store(true) }
