// Package records serves grid pages and column metadata over a websocket channel.
package records

import (
	"context"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/luxgrid/errs"
	"github.com/coachpo/luxgrid/internal/domain/recordstore"
	"github.com/coachpo/luxgrid/internal/infra/server/ws"
	"github.com/coachpo/luxgrid/internal/observability"
	"github.com/coachpo/luxgrid/internal/wire"
)

const component = "records"

// Store is the persistence contract the service pages through.
type Store = recordstore.Store

// Broadcaster pushes message frames to every subscriber of a channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel string, data []byte) (int, error)
}

// Service binds a record store to one server channel.
type Service struct {
	store  Store
	limits recordstore.Limits

	mu          sync.RWMutex
	broadcaster Broadcaster
	channel     string
}

// NewService constructs a service over store.
func NewService(store Store, limits recordstore.Limits) *Service {
	return &Service{store: store, limits: limits}
}

// Attach answers page RPCs on channel, sends column metadata to new subscribers
// and broadcasts mutations to the channel.
func (s *Service) Attach(server *ws.Server, channel string) error {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("channel required"))
	}
	if server == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithChannel(channel), errs.WithMessage("server required"))
	}
	s.mu.Lock()
	s.broadcaster = server
	s.channel = channel
	s.mu.Unlock()

	server.HandleRPC(channel, func(ctx context.Context, _ *ws.Session, _ string, payload []byte) ([]byte, error) {
		return s.Page(ctx, payload)
	})
	server.OnSubscribe(channel, func(ctx context.Context, sess *ws.Session, channel string) {
		data, err := s.columnsMessage(ctx)
		if err != nil {
			observability.Log().Error("columns metadata failed", observability.Field{Key: "channel", Value: channel}, observability.Field{Key: "error", Value: err})
			return
		}
		if err := sess.Send(ctx, channel, data); err != nil {
			observability.Log().Debug("columns metadata send failed",
				observability.Field{Key: "channel", Value: channel},
				observability.Field{Key: "session", Value: sess.ID()},
				observability.Field{Key: "error", Value: err})
		}
	})
	observability.Log().Info("records service attached", observability.Field{Key: "channel", Value: channel})
	return nil
}

// Page decodes page options from payload and returns an encoded records message.
func (s *Service) Page(ctx context.Context, payload []byte) ([]byte, error) {
	var opts *wire.PageOptions
	trimmed := strings.TrimSpace(string(payload))
	if trimmed != "" && trimmed != "null" {
		opts = new(wire.PageOptions)
		if err := json.Unmarshal(payload, opts); err != nil {
			return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("decode page options"), errs.WithCause(err))
		}
	}
	page, err := s.page(ctx, opts)
	if err != nil {
		return nil, err
	}
	return wire.NewRecordsMessage(wire.EventRecords, page.Records, page.Total)
}

// Columns returns the store's column metadata.
func (s *Service) Columns(ctx context.Context) ([]wire.ColumnMetadata, error) {
	return s.store.Columns(ctx)
}

// Upsert stores record and broadcasts it as a record-update.
func (s *Service) Upsert(ctx context.Context, record wire.Record) error {
	if err := s.store.Upsert(ctx, record); err != nil {
		return err
	}
	total, err := s.total(ctx)
	if err != nil {
		return err
	}
	data, err := wire.NewRecordsMessage(wire.EventRecordUpdate, []wire.Record{record}, total)
	if err != nil {
		return err
	}
	return s.broadcast(ctx, data)
}

// Delete removes the record and broadcasts a refreshed first page.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	page, err := s.page(ctx, nil)
	if err != nil {
		return err
	}
	data, err := wire.NewRecordsMessage(wire.EventRecords, page.Records, page.Total)
	if err != nil {
		return err
	}
	return s.broadcast(ctx, data)
}

func (s *Service) page(ctx context.Context, opts *wire.PageOptions) (recordstore.Page, error) {
	columns, err := s.store.Columns(ctx)
	if err != nil {
		return recordstore.Page{}, err
	}
	q, err := recordstore.Normalise(opts, columns, s.limits)
	if err != nil {
		return recordstore.Page{}, err
	}
	if q.Filter != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.FilterBudget())
		defer cancel()
	}
	return s.store.Page(ctx, q)
}

func (s *Service) total(ctx context.Context) (int, error) {
	page, err := s.store.Page(ctx, recordstore.Query{Page: 0, PageSize: 1})
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}

func (s *Service) columnsMessage(ctx context.Context) ([]byte, error) {
	columns, err := s.store.Columns(ctx)
	if err != nil {
		return nil, err
	}
	return wire.NewColumnsMessage(columns)
}

func (s *Service) broadcast(ctx context.Context, data []byte) error {
	s.mu.RLock()
	broadcaster, channel := s.broadcaster, s.channel
	s.mu.RUnlock()
	if broadcaster == nil {
		return nil
	}
	delivered, err := broadcaster.Broadcast(ctx, channel, data)
	observability.Log().Debug("records broadcast", observability.Field{Key: "channel", Value: channel}, observability.Field{Key: "delivered", Value: delivered})
	return err
}
