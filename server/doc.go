// Package server is the HTTP/1.1 front door of lswasm.
//
// Each connection carries exactly one request. The request line and headers
// are parsed with net/http, the body is framed by Content-Length, and the
// whole request must fit in a byte cap; anything larger, or anything that
// does not parse, is dropped without a response. Parsed requests go through
// a [Handler], which allocates a context id, runs the filter pipeline and
// answers with either a filter's local response or a plain-text diagnostic
// echo. Every response carries Content-Length and Connection: close.
package server
