package memory

import (
	"context"
	"errors"
	"strings"

	"github.com/dop251/goja"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/wire"
)

// filter is a compiled JavaScript boolean expression over the global `record`.
type filter struct {
	source  string
	program *goja.Program
}

func compileFilter(expr string) (*filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	program, err := goja.Compile("filter", "("+expr+"\n)", true)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("filter: "+syntaxMessage(err)), errs.WithField("filter", expr), errs.WithCause(err))
	}
	return &filter{source: expr, program: program}, nil
}

// matcher evaluates the filter against records on one runtime. It stops when ctx is done.
type matcher struct {
	filter *filter
	rt     *goja.Runtime
	stop   func() bool
}

func (f *filter) matcher(ctx context.Context) *matcher {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	_ = rt.Set("console", buildConsole(rt))
	stop := context.AfterFunc(ctx, func() { rt.Interrupt(ctx.Err()) })
	return &matcher{filter: f, rt: rt, stop: stop}
}

func (m *matcher) match(record wire.Record) (bool, error) {
	if err := m.rt.Set("record", map[string]any(record)); err != nil {
		return false, errs.New(component, errs.CodeInvalid, errs.WithMessage("filter: bind record"), errs.WithCause(err))
	}
	value, err := m.rt.RunProgram(m.filter.program)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, errs.New(component, errs.CodeTimeout, errs.WithMessage("filter interrupted"), errs.WithCause(err))
		}
		return false, errs.New(component, errs.CodeInvalid, errs.WithMessage("filter: "+exceptionMessage(err)), errs.WithField("filter", m.filter.source), errs.WithCause(err))
	}
	return value.ToBoolean(), nil
}

func (m *matcher) close() {
	m.stop()
	m.rt.ClearInterrupt()
}

func syntaxMessage(err error) string {
	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) && syntaxErr != nil {
		if msg := strings.TrimSpace(syntaxErr.Message); msg != "" {
			return msg
		}
	}
	return err.Error()
}

func exceptionMessage(err error) string {
	var jsErr *goja.Exception
	if errors.As(err, &jsErr) && jsErr != nil {
		if val := jsErr.Value(); !goja.IsUndefined(val) && !goja.IsNull(val) {
			if msg := strings.TrimSpace(val.String()); msg != "" {
				return msg
			}
		}
	}
	return err.Error()
}

func buildConsole(rt *goja.Runtime) *goja.Object {
	console := rt.NewObject()
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }
	_ = console.Set("log", noop)
	_ = console.Set("error", noop)
	return console
}
