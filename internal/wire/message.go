package wire

import (
	json "github.com/goccy/go-json"

	"github.com/coachpo/luxgrid/errs"
)

// Grid message event tags.
const (
	EventRecordUpdate    = "record-update"
	EventRecords         = "records"
	EventColumnsMetadata = "columns-metadata"
)

// Message is the payload carried on a grid channel.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Total *int            `json:"total,omitempty"`
}

// Record is a single grid row.
type Record map[string]any

// ColumnMetadata describes one grid column.
type ColumnMetadata struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Sortable    bool   `json:"sortable,omitempty" yaml:"sortable,omitempty"`
	Filter      bool   `json:"filter,omitempty" yaml:"filter,omitempty"`
	Hidden      bool   `json:"hidden,omitempty" yaml:"hidden,omitempty"`
}

// PageOptions is the request body of a page RPC. Every field is optional.
type PageOptions struct {
	Page     *int   `json:"page,omitempty"`
	PageSize *int   `json:"pageSize,omitempty"`
	SortBy   string `json:"sortBy,omitempty"`
	SortDesc bool   `json:"sortDesc,omitempty"`
	Filter   string `json:"filter,omitempty"`
}

// DecodeMessage parses a grid message.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errs.New("wire", errs.CodeInvalid, errs.WithMessage("decode message"), errs.WithCause(err))
	}
	return msg, nil
}

// TotalOrZero returns the message total, or zero when absent.
func (m Message) TotalOrZero() int {
	if m.Total == nil {
		return 0
	}
	return *m.Total
}

// Records decodes the message data as a record sequence.
func (m Message) Records() ([]Record, error) {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil, nil
	}
	var out []Record
	if err := json.Unmarshal(m.Data, &out); err != nil {
		return nil, errs.New("wire", errs.CodeInvalid, errs.WithMessage("decode records"), errs.WithField("event", m.Event), errs.WithCause(err))
	}
	return out, nil
}

// Columns decodes the message data as column metadata.
func (m Message) Columns() ([]ColumnMetadata, error) {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil, nil
	}
	var out []ColumnMetadata
	if err := json.Unmarshal(m.Data, &out); err != nil {
		return nil, errs.New("wire", errs.CodeInvalid, errs.WithMessage("decode columns"), errs.WithField("event", m.Event), errs.WithCause(err))
	}
	return out, nil
}

// NewRecordsMessage builds a records or record-update message.
func NewRecordsMessage(event string, records []Record, total int) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return nil, errs.New("wire", errs.CodeInvalid, errs.WithMessage("encode records"), errs.WithCause(err))
	}
	return encodeMessage(Message{Event: event, Data: data, Total: &total})
}

// NewColumnsMessage builds a columns-metadata message.
func NewColumnsMessage(columns []ColumnMetadata) ([]byte, error) {
	if columns == nil {
		columns = []ColumnMetadata{}
	}
	data, err := json.Marshal(columns)
	if err != nil {
		return nil, errs.New("wire", errs.CodeInvalid, errs.WithMessage("encode columns"), errs.WithCause(err))
	}
	return encodeMessage(Message{Event: EventColumnsMetadata, Data: data, Total: nil})
}

func encodeMessage(msg Message) ([]byte, error) {
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, errs.New("wire", errs.CodeInvalid, errs.WithMessage("encode message"), errs.WithCause(err))
	}
	return out, nil
}
