package grid

import (
	"context"

	"github.com/coachpo/luxgrid/internal/infra/telemetry"
	"github.com/coachpo/luxgrid/internal/observability"
	"github.com/coachpo/luxgrid/internal/wire"
)

// handleMessage decodes a channel message or page reply and dispatches it.
// Messages arriving after Destroy are dropped.
func (p *Provider) handleMessage(data []byte) {
	p.mu.Lock()
	listener := p.listener
	p.mu.Unlock()
	if listener == nil {
		p.opts.Metrics.RecordDispatch(context.Background(), p.channel, "", telemetry.ResultDropped)
		return
	}

	msg, err := wire.DecodeMessage(data)
	if err != nil {
		p.decodeFailed(err)
		return
	}
	p.dispatch(listener, msg)
}

func (p *Provider) dispatch(listener Listener, msg wire.Message) {
	switch msg.Event {
	case wire.EventRecordUpdate, wire.EventRecords:
		records, err := msg.Records()
		if err != nil {
			p.decodeFailed(err)
			return
		}
		listener.OnDataReceived(DataEvent{Total: msg.TotalOrZero(), Result: records, Type: UpdateType})
	case wire.EventColumnsMetadata:
		columns, err := msg.Columns()
		if err != nil {
			p.decodeFailed(err)
			return
		}
		listener.OnMetadataReceived(columns)
	default:
		observability.Log().Debug("grid event ignored",
			observability.Field{Key: "channel", Value: p.channel},
			observability.Field{Key: "event", Value: msg.Event})
		p.opts.Metrics.RecordDispatch(context.Background(), p.channel, msg.Event, telemetry.ResultDropped)
		return
	}
	p.opts.Metrics.RecordDispatch(context.Background(), p.channel, msg.Event, telemetry.ResultSuccess)
}

func (p *Provider) decodeFailed(err error) {
	p.opts.Metrics.RecordDecodeFailure(context.Background(), p.channel)
	observability.Log().Error("grid message decode failed",
		observability.Field{Key: "channel", Value: p.channel},
		observability.Field{Key: "error", Value: err})
}
