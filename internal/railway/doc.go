// Package railway talks to the booking site: the station table, the
// left-ticket query and the order handshake. It knows the wire formats and
// nothing about tasks.
package railway
