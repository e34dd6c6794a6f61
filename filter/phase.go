package filter

import "fmt"

// Phase is a stage of request processing. Phases are totally ordered and a
// context only ever moves forward through them.
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseRequestHeaders
	PhaseRequestBody
	PhaseRequestTrailers
	PhaseRequestDone
	PhaseResponseHeaders
	PhaseResponseBody
	PhaseResponseTrailers
	PhaseDone
	PhaseRetired
)

// Phases lists every dispatchable phase in order.
var Phases = []Phase{
	PhaseRequestHeaders,
	PhaseRequestBody,
	PhaseRequestTrailers,
	PhaseRequestDone,
	PhaseResponseHeaders,
	PhaseResponseBody,
	PhaseResponseTrailers,
	PhaseDone,
}

var phaseNames = [...]string{
	PhaseCreated:          "created",
	PhaseRequestHeaders:   "request_headers",
	PhaseRequestBody:      "request_body",
	PhaseRequestTrailers:  "request_trailers",
	PhaseRequestDone:      "request_done",
	PhaseResponseHeaders:  "response_headers",
	PhaseResponseBody:     "response_body",
	PhaseResponseTrailers: "response_trailers",
	PhaseDone:             "done",
	PhaseRetired:          "retired",
}

// callbackNames maps the camel-case callback spelling to phases.
var callbackNames = map[string]Phase{
	"onRequestHeaders":   PhaseRequestHeaders,
	"onRequestBody":      PhaseRequestBody,
	"onRequestTrailers":  PhaseRequestTrailers,
	"onResponseHeaders":  PhaseResponseHeaders,
	"onResponseBody":     PhaseResponseBody,
	"onResponseTrailers": PhaseResponseTrailers,
	"onDone":             PhaseDone,
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Dispatchable reports whether p can be passed to Manager.Dispatch.
func (p Phase) Dispatchable() bool {
	return p >= PhaseRequestHeaders && p <= PhaseDone
}

// ParsePhase accepts a dispatchable phase by its String form
// ("request_body") or its callback name ("onRequestBody").
func ParsePhase(s string) (Phase, bool) {
	if p, ok := callbackNames[s]; ok {
		return p, true
	}
	for _, p := range Phases {
		if p.String() == s {
			return p, true
		}
	}
	return 0, false
}
