/*
package cywtcp implements a minimal server side TCP segment processor for
memory constrained devices with no operating system sockets, such as a
Raspberry Pi Pico W driven by the CYW43439 driver.

The stack accepts connections on registered ports, delivers in-order payload to
the port's [Handler] and sends back acknowledgments and staged reply data.
All connection records and frame buffers are allocated once in [NewStack].

	stack, _ := cywtcp.NewStack(cfg)
	stack.Register(80, cywtcp.HandlerFunc(func(s *cywtcp.Stack, h cywtcp.SocketHandle, payload []byte) {
		s.Send(h, []byte("HTTP/1.0 200 OK\r\n\r\n"))
	}))
	for {
		stack.PollLink(buf)
	}

There is no congestion control, retransmission, window scaling or reassembly.
Segments received out of order are acknowledged and discarded, the peer is
expected to retransmit. Connections are closed by the peer, by [Stack.Abort]
or after a period of inactivity by [Stack.Sweep].
*/
package cywtcp
