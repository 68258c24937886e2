package session

// Transport is the byte channel a Session runs over.
//
// Start is called once, from New. The transport then reports received
// chunks with onData and its end with onEnd, passing nil for a clean end.
// Callbacks must not be invoked concurrently with each other. Close ends
// the transport gracefully after queued data is written; Dispose drops it
// immediately. Neither may block on the session.
type Transport interface {
	Start(onData func([]byte), onEnd func(error))
	Send(p []byte)
	Close() error
	Dispose(reason error)
}
