// Package base contains the base wire elements of the RTSP protocol, scoped
// to the subset RAOP actually uses (no interleaved framing, no redirects).
package base

// Method is the method of an RTSP request.
type Method string

// methods used by RAOP.
const (
	Announce     Method = "ANNOUNCE"
	Options      Method = "OPTIONS"
	Record       Method = "RECORD"
	Setup        Method = "SETUP"
	Flush        Method = "FLUSH"
	Teardown     Method = "TEARDOWN"
	GetParameter Method = "GET_PARAMETER"
	SetParameter Method = "SET_PARAMETER"
)

// StatusCode is an RTSP response status code.
type StatusCode int

// status codes used by the RAOP protocol.
const (
	StatusOK                  StatusCode = 200
	StatusUnauthorized        StatusCode = 401
	StatusForbidden           StatusCode = 403
	StatusConnectionInUse     StatusCode = 453
	StatusInternalServerError StatusCode = 500
)
