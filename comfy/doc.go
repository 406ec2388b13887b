/*
Package comfy defines the wire model for the ComfyUI API: the notifications
the service pushes over its WebSocket, the payloads of its HTTP endpoints,
and the frame codec between them.

Notifications arrive as JSON text frames shaped like {"type": ..., "data": ...},
where "type" discriminates the payload. DecodeFrame turns one frame into a
typed Event. Frames whose type the package does not recognize, or whose
payload does not match the expected shape, decode to Unknown with the
original frame preserved verbatim, so custom-node traffic (for example
"crystools.monitor") passes through without data loss. Only a frame that is
not JSON at all is a decode error.

The Event union also carries connection lifecycle signals (Reconnected,
ReconnectFailed, ReceiveFailed). These are synthesized by the client in
package client, never sent by the service, and EncodeFrame rejects them.

The remaining types (PromptStatus, History, FileInfo, PromptInfo) are the
request and response bodies of the HTTP endpoints; see package client for
the operations that use them.
*/
package comfy
