// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for the reactor: the multi-producer mailbox each
// reactor thread drains, and the executor that runs delegated tasks off the
// reactor threads.
package concurrency
