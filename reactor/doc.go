// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor multiplexes non-blocking TCP connections over one dispatch
// thread and a fixed pool of I/O threads. The dispatch thread owns listening
// and connecting sockets; once a socket is established it is handed to an I/O
// thread chosen round-robin, which then performs every read, write and
// lifecycle transition for it. Threads communicate only through typed events
// posted to per-thread mailboxes, and a connection's bytes pass through its
// filter chain on the way in and out.
package reactor
