package interfaces

// Connection represents an exam client's live push channel
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps instruction routing independent of the WebSocket transport
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetConnectionToken returns the exam client session token
	GetConnectionToken() string

	// GetExamID returns the exam this client is taking
	GetExamID() int64

	// IsAuthenticated returns true once the token was matched to a client connection
	IsAuthenticated() bool

	// SetCredentials binds the channel to a client connection after token lookup
	SetCredentials(connectionToken string, examID int64) error
}
