// Package pushhttp exposes a longpoll.Engine over HTTP.
//
// Subscribe:
//
//	GET /sub/<channel>[.b<N>][/<channel>[.b<N>]...]
//
// The request blocks until messages are available past the client's
// position and answers 200 with each payload followed by CRLF. The new
// position is returned in Last-Modified and Etag; clients echo them back as
// If-Modified-Since and If-None-Match. Last-Event-Id resumes a single
// channel after a tagged message. A wait that ends without messages answers
// 304 Not Modified with the request's position echoed. The optional
// X-PushStream-Mode header must be "long-polling"; ?timeout= shortens the
// wait.
//
// Publish:
//
//	POST /pub?id=<channel>
//
// The body is the payload, Content-Type is passed through to subscribers
// and Event-Id tags the message. The answer is a JSON acknowledgement with
// the assigned sequence.
package pushhttp
