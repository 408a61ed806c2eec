// Package protocol implements the wire format spoken between castor
// participants and the coordinator.
//
// # Overview
//
// Every participant holds two TCP connections to the coordinator:
//
//	participant                         coordinator
//	    │── command channel ─────────────────▶│  8-byte id, then command frames
//	    │◀──────────────────────────── acks ──│  "OK" / "ERR <reason>"
//	    │                                     │
//	    │◀────────────────── message channel ─│  one frame per multicast payload
//
// The command channel is opened once, when the participant starts. The message
// channel is opened lazily: the participant sends register or reconnect with a
// port, the coordinator listens on that port and answers with a ready token,
// and the participant dials in.
//
// # Framing
//
// The client id is a big-endian int64. Every other value is a string frame: a
// big-endian uint16 byte count followed by modified UTF-8, byte-for-byte
// compatible with java.io.DataOutputStream.writeUTF. Frames are therefore
// limited to 65535 encoded bytes (ErrFrameTooLong).
//
// # Commands
//
//	register <port> [id]     open the message channel, deliver from now on
//	deregister [id]          tear the message channel down, forget delivery state
//	disconnect [id]          close the message channel, keep delivery state
//	reconnect <port> [id]    reopen the message channel and replay missed messages
//	msend <text>             multicast text to every connected participant
//
// The optional trailing id is what the reference participant sends; the
// coordinator checks it against the owner of the command channel.
//
// # Acknowledgements
//
// Each command is answered with one token. register and reconnect are
// answered twice: a ready token once the coordinator is listening on the
// requested port, and a final token once the message channel is established.
// In the default mode the token is always AckOK; with error acks enabled a
// failed operation answers Nack(reason), which ParseAck turns into a
// *NackError.
package protocol
