/*
Package protocol implements the wire format spoken between the previewer and an out-of-process renderer.

The renderer is launched with a "--transport tcp-bson://127.0.0.1:<port>/" argument and connects back to the previewer, which acts as the server. From then on both ends exchange frames over the single TCP stream. Each frame is:

	[4 bytes body length, little-endian uint32] [16 bytes message type UUID] [body]

The body is a CBOR document (Core Deterministic Encoding) of the message struct identified by the type UUID. The length covers the body only.

The conversation proceeds as follows:

 1. The renderer connects.
 2. The previewer sends ClientSupportedPixelFormats and then ClientRenderInfo. These two messages are the handshake.
 3. The previewer sends SourceUpdate and InputEvent messages as the user edits and interacts.
 4. The renderer sends Frame messages, each of which must be answered by a FrameAck with the same sequence ID, otherwise the renderer stops producing frames.
 5. The renderer answers each SourceUpdate with a SourceUpdateResult, and may ask for a ViewportResizeRequest at any time.

Framing stays aligned only as long as every frame round-trips through this codec, so any malformed frame is a ProtocolError and the connection must be dropped.
*/
package protocol
