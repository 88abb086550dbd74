// Package api exposes the supplier control interface: listing configured
// suppliers and driving their sessions over HTTP.
package api
