package state

import (
	"fmt"
	"strings"
)

// Request is a control signal posted to a running task instance.
type Request int

const (
	// Requests that drive the instance to a final state.
	RequestStop Request = 1
	RequestKill Request = 2

	RequestPause  Request = 7
	RequestResume Request = 8
	RequestReload Request = 9
)

var requestNames = map[Request]string{
	RequestStop:   "STOP",
	RequestKill:   "KILL",
	RequestPause:  "PAUSE",
	RequestResume: "RESUME",
	RequestReload: "RELOAD",
}

var requestByName = reverseIndex(requestNames)

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal reports whether honoring r ends the instance.
func (r Request) IsTerminal() bool {
	return r == RequestStop || r == RequestKill
}

func (r Request) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Request) UnmarshalText(text []byte) error {
	v, ok := ParseRequest(string(text))
	if !ok {
		return fmt.Errorf("unknown request %q", text)
	}
	*r = v
	return nil
}

func ParseRequest(name string) (Request, bool) {
	r, ok := requestByName[strings.ToUpper(strings.TrimSpace(name))]
	return r, ok
}
