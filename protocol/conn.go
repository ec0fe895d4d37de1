package protocol

// TextFrame is the WebSocket text message type frames travel in. The value
// matches gorilla/websocket.TextMessage so *websocket.Conn satisfies Conn
// without an adapter.
const TextFrame = 1

// Conn is the duplex message transport between Origin and Relay. One frame
// per message; writers must serialize their own access.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// WriteFrame encodes msg and sends it as a single text message.
func WriteFrame(conn Conn, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(TextFrame, data)
}

// ReadFrame reads one message and decodes it into its concrete frame type.
func ReadFrame(conn Conn) (Message, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
