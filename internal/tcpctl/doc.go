/*
package tcpctl implements the server side subset of the TCP connection state
machine of RFC793 (September 1981) needed by a receive-only embedded responder.

Connections are only ever opened passively and closed by the remote end
(or reset by either end). There is no retransmission, windowing or reassembly:
segments are expected in order and anything else is acknowledged and discarded.

# State diagram

	                   +---------+
	                   |  CLOSED |<-------------------------\
	                   +---------+                           |
	          rcv SYN       |                                |
	         -----------    |                                |
	         snd SYN,ACK    V                                |
	                   +---------+    rcv RST                |
	                   |   SYN   |-------------------------->|
	                   |   RCVD  |                           |
	                   +---------+                           |
	     rcv ACK of SYN     |                                |
	     --------------     |                                |
	           x            V                                |
	                   +---------+    rcv RST                |
	rcv data, snd ACK  |  ESTAB  |-------------------------->|
	       /---------->|         |                           |
	       \-----------+---------+                           |
	          rcv FIN       |                                |
	         -------        |                                |
	         snd ACK        V                                |
	                   +---------+    rcv RST                |
	                   |  CLOSE  |-------------------------->|
	                   |   WAIT  |                           |
	                   +---------+                           |
	    nothing staged      |                                |
	    --------------      |                                |
	      snd FIN,ACK       V                                |
	                   +---------+    rcv ACK of FIN, or RST |
	                   | CLOSING |---------------------------/
	                   +---------+
*/
package tcpctl
