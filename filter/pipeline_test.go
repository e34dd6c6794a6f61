package filter

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"

	"github.com/caffeineduck/lswasm/abi"
	"github.com/caffeineduck/lswasm/hostfunc"
)

// trace records "module:export" across several fake guests in call order.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (tr *trace) hook(g *fakeGuest, module string, exports ...string) {
	for _, export := range exports {
		f := g.exports[export]
		inner := f.fn
		g.set(export, f.params, func(ctx context.Context, args []uint64) (uint64, error) {
			tr.mu.Lock()
			tr.events = append(tr.events, module+":"+export)
			tr.mu.Unlock()
			return inner(ctx, args)
		})
	}
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return slices.Clone(tr.events)
}

func respond(status uint32, body string) func(context.Context, []uint64) (uint64, error) {
	return func(ctx context.Context, _ []uint64) (uint64, error) {
		hostfunc.SinkFrom(ctx).SendLocalResponse(LocalResponse{StatusCode: status, Body: []byte(body)})
		return 0, nil
	}
}

func TestPipelineRunsPhaseMajor(t *testing.T) {
	mgr, engine := newTestManager(t)
	tr := &trace{}

	a, b := newFakeGuest(), newFakeGuest()
	streamExports := []string{abi.ExportOnRequestHeaders, abi.ExportOnRequestBody, abi.ExportOnDone}
	tr.hook(a, "a", streamExports...)
	tr.hook(b, "b", streamExports...)
	mustLoad(t, mgr, "b", engine.add("b", b))
	mustLoad(t, mgr, "a", engine.add("a", a))

	id := mustID(t, mgr)
	res := NewPipeline(mgr).Run(context.Background(), id, &Stream{RequestBody: []byte("hello")})

	want := []string{
		"a:" + abi.ExportOnRequestHeaders, "b:" + abi.ExportOnRequestHeaders,
		"a:" + abi.ExportOnRequestBody, "b:" + abi.ExportOnRequestBody,
		"a:" + abi.ExportOnDone, "b:" + abi.ExportOnDone,
	}
	if got := tr.list(); !slices.Equal(got, want) {
		t.Errorf("call order = %v, want %v", got, want)
	}
	if !slices.Equal(res.Modules, []string{"a", "b"}) {
		t.Errorf("Modules = %v", res.Modules)
	}
	if res.Local != nil || res.ShortCircuit || len(res.Errors) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if args := a.lastArgs(abi.ExportOnRequestHeaders); args[2] != 0 {
		t.Error("headers should not be end of stream when a body follows")
	}

	for _, name := range []string{"a", "b"} {
		mod, _ := mgr.Module(name)
		if mod.ActiveContexts() != 0 {
			t.Errorf("module %s kept %d contexts", name, mod.ActiveContexts())
		}
	}
}

func TestPipelineShortCircuit(t *testing.T) {
	mgr, engine := newTestManager(t)
	tr := &trace{}

	a, b := newFakeGuest(), newFakeGuest()
	a.set(abi.ExportOnRequestHeaders, 3, respond(403, "forbidden"))
	all := []string{abi.ExportOnRequestHeaders, abi.ExportOnRequestBody, abi.ExportOnResponseHeaders, abi.ExportOnDone, abi.ExportOnDelete}
	tr.hook(a, "a", all...)
	tr.hook(b, "b", all...)
	mustLoad(t, mgr, "a", engine.add("a", a))
	mustLoad(t, mgr, "b", engine.add("b", b))

	id := mustID(t, mgr)
	res := NewPipeline(mgr).Run(context.Background(), id, &Stream{RequestBody: []byte("hello")})

	if !res.ShortCircuit {
		t.Fatal("expected short circuit")
	}
	if res.Local == nil || res.Local.StatusCode != 403 || string(res.Local.Body) != "forbidden" {
		t.Fatalf("Local = %+v", res.Local)
	}
	if res.Responder != "a" || res.Phase != PhaseRequestHeaders {
		t.Errorf("responder = %s at %s", res.Responder, res.Phase)
	}

	want := []string{
		"a:" + abi.ExportOnRequestHeaders,
		"b:" + abi.ExportOnRequestHeaders,
		"a:" + abi.ExportOnDelete,
		"b:" + abi.ExportOnDelete,
	}
	if got := tr.list(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	for _, name := range []string{"a", "b"} {
		mod, _ := mgr.Module(name)
		if mod.ActiveContexts() != 0 {
			t.Errorf("short circuit should retire the context of %s", name)
		}
	}
}

func TestPipelineLastHeadersResponseWins(t *testing.T) {
	mgr, engine := newTestManager(t)
	tr := &trace{}

	a, b, c := newFakeGuest(), newFakeGuest(), newFakeGuest()
	a.set(abi.ExportOnRequestHeaders, 3, respond(403, "a"))
	b.set(abi.ExportOnRequestHeaders, 3, respond(401, "b"))
	tr.hook(a, "a", abi.ExportOnRequestHeaders, abi.ExportOnRequestBody)
	tr.hook(b, "b", abi.ExportOnRequestHeaders, abi.ExportOnRequestBody)
	tr.hook(c, "c", abi.ExportOnRequestHeaders, abi.ExportOnRequestBody)
	mustLoad(t, mgr, "a", engine.add("a", a))
	mustLoad(t, mgr, "b", engine.add("b", b))
	mustLoad(t, mgr, "c", engine.add("c", c))

	res := NewPipeline(mgr).Run(context.Background(), mustID(t, mgr), &Stream{RequestBody: []byte("x")})

	if !res.ShortCircuit {
		t.Fatal("expected short circuit")
	}
	if res.Responder != "b" || res.Local.StatusCode != 401 || string(res.Local.Body) != "b" {
		t.Errorf("responder = %s, Local = %+v", res.Responder, res.Local)
	}
	want := []string{
		"a:" + abi.ExportOnRequestHeaders,
		"b:" + abi.ExportOnRequestHeaders,
		"c:" + abi.ExportOnRequestHeaders,
	}
	if got := tr.list(); !slices.Equal(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestPipelineLaterLocalResponse(t *testing.T) {
	mgr, engine := newTestManager(t)
	g := newFakeGuest()
	g.set(abi.ExportOnResponseHeaders, 3, respond(502, "upstream says no"))
	mustLoad(t, mgr, "m", engine.add("m", g))

	res := NewPipeline(mgr).Run(context.Background(), mustID(t, mgr), &Stream{})

	if res.ShortCircuit {
		t.Error("a response-phase local response is not a short circuit")
	}
	if res.Local == nil || res.Local.StatusCode != 502 || res.Phase != PhaseResponseHeaders {
		t.Errorf("Local = %+v at %s", res.Local, res.Phase)
	}
	if g.called(abi.ExportOnDone) != 1 {
		t.Error("remaining phases should still run")
	}
}

func TestPipelineLastResponderWins(t *testing.T) {
	mgr, engine := newTestManager(t)
	a, b := newFakeGuest(), newFakeGuest()
	a.set(abi.ExportOnResponseHeaders, 3, respond(500, "a"))
	b.set(abi.ExportOnResponseHeaders, 3, respond(503, "b"))
	b.set(abi.ExportOnResponseBody, 3, respond(504, "b again"))
	mustLoad(t, mgr, "a", engine.add("a", a))
	mustLoad(t, mgr, "b", engine.add("b", b))

	res := NewPipeline(mgr).Run(context.Background(), mustID(t, mgr), &Stream{ResponseBody: []byte("x")})
	if res.Responder != "b" || res.Local.StatusCode != 504 || res.Phase != PhaseResponseBody {
		t.Errorf("responder = %s, status = %d at %s", res.Responder, res.Local.StatusCode, res.Phase)
	}
}

func TestPipelineEarlierResponseNotRecaptured(t *testing.T) {
	mgr, engine := newTestManager(t)
	a, b := newFakeGuest(), newFakeGuest()
	a.set(abi.ExportOnResponseHeaders, 3, respond(500, "a"))
	b.set(abi.ExportOnResponseHeaders, 3, respond(503, "b"))
	mustLoad(t, mgr, "a", engine.add("a", a))
	mustLoad(t, mgr, "b", engine.add("b", b))

	// a runs again in response body without sending anything new.
	res := NewPipeline(mgr).Run(context.Background(), mustID(t, mgr), &Stream{ResponseBody: []byte("x")})
	if a.called(abi.ExportOnResponseBody) != 1 {
		t.Fatal("a should see the response body")
	}
	if res.Responder != "b" || res.Local.StatusCode != 503 {
		t.Errorf("responder = %s, status = %d", res.Responder, res.Local.StatusCode)
	}
}

func TestPipelineFailOpen(t *testing.T) {
	mgr, engine := newTestManager(t)
	a, b := newFakeGuest(), newFakeGuest()
	a.set(abi.ExportOnRequestHeaders, 3, func(context.Context, []uint64) (uint64, error) {
		return 0, errors.New("unreachable")
	})
	mustLoad(t, mgr, "a", engine.add("a", a))
	mustLoad(t, mgr, "b", engine.add("b", b))

	res := NewPipeline(mgr).Run(context.Background(), mustID(t, mgr), &Stream{})

	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], ErrGuestTrap) {
		t.Fatalf("Errors = %v", res.Errors)
	}
	if res.Local != nil {
		t.Errorf("fail-open should not answer: %+v", res.Local)
	}
	if a.called(abi.ExportOnRequestBody) != 0 {
		t.Error("failed module should be dropped from the request")
	}
	if b.called(abi.ExportOnDone) != 1 {
		t.Error("healthy module should finish the request")
	}

	// The poisoned module fails every later request too.
	res = NewPipeline(mgr).Run(context.Background(), mustID(t, mgr), &Stream{})
	if len(res.Errors) != 1 || !errors.Is(res.Errors[0], ErrModulePoisoned) {
		t.Errorf("second run Errors = %v", res.Errors)
	}
}

func TestPipelineFailClosed(t *testing.T) {
	mgr, engine := newTestManager(t)
	a, b := newFakeGuest(), newFakeGuest()
	b.set(abi.ExportOnRequestBody, 3, func(context.Context, []uint64) (uint64, error) {
		return 0, errors.New("out of bounds memory access")
	})
	mustLoad(t, mgr, "a", engine.add("a", a))
	mustLoad(t, mgr, "b", engine.add("b", b))

	id := mustID(t, mgr)
	res := NewPipeline(mgr, WithFailurePolicy(FailClosed)).Run(context.Background(), id, &Stream{})

	if res.Local == nil || res.Local.StatusCode != http.StatusInternalServerError {
		t.Fatalf("Local = %+v, want 500", res.Local)
	}
	if res.Responder != "b" || res.Phase != PhaseRequestBody {
		t.Errorf("responder = %s at %s", res.Responder, res.Phase)
	}
	if a.called(abi.ExportOnResponseHeaders) != 0 {
		t.Error("fail-closed should stop the request")
	}
	if got := a.callsFor(id); got[len(got)-1] != abi.ExportOnDelete {
		t.Errorf("surviving module contexts should be retired, calls = %v", got)
	}
}

func TestPipelineSkipsModulesLoadedMidRequest(t *testing.T) {
	mgr, engine := newTestManager(t)
	mustLoad(t, mgr, "a", engine.add("a", newFakeGuest()))

	id := mustID(t, mgr)
	late := newFakeGuest()
	mustLoad(t, mgr, "late", engine.add("late", late))

	res := NewPipeline(mgr).Run(context.Background(), id, &Stream{})
	if len(res.Errors) != 0 {
		t.Errorf("Errors = %v", res.Errors)
	}
	if late.called(abi.ExportOnRequestHeaders) != 0 {
		t.Error("a module loaded after the id was allocated must not see the request")
	}
}

func TestFailurePolicyString(t *testing.T) {
	if FailOpen.String() != "fail-open" || FailClosed.String() != "fail-closed" {
		t.Errorf("got %s, %s", FailOpen, FailClosed)
	}
}
