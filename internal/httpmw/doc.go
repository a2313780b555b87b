// Package httpmw holds the HTTP middleware shared by the public server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP, tracing, trace response headers,
// metrics and the request logger. Inside the router come compression, route
// annotation, the access log and the body cap. The contact route adds its
// own scope and the ratelimit middleware.
//
// Loggers built here carry connection facts only. Query strings, headers
// and bodies never reach them; contact form fields are redacted by the log
// package if a handler logs them.
package httpmw
