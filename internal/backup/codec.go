package backup

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophbackup/internal/common"
	"github.com/dmitrijs2005/gophbackup/internal/models"
	"google.golang.org/protobuf/encoding/protowire"
)

// Header is the first frame of every backup.
type Header struct {
	Version    uint64
	BackupTime time.Time
	Level      Level
}

const (
	headerVersion    protowire.Number = 1
	headerBackupTime protowire.Number = 2
	headerLevel      protowire.Number = 3

	recordKind      protowire.Number = 1
	recordPayload   protowire.Number = 2
	recordMediaID   protowire.Number = 3
	recordCdnNumber protowire.Number = 4
)

func (h Header) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, headerVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, h.Version)
	b = protowire.AppendTag(b, headerBackupTime, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.BackupTime.UnixMilli()))
	b = protowire.AppendTag(b, headerLevel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Level))
	return b
}

func UnmarshalHeader(b []byte) (Header, error) {
	var h Header
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) {
		if typ != protowire.VarintType {
			return
		}
		switch num {
		case headerVersion:
			h.Version = v
		case headerBackupTime:
			h.BackupTime = time.UnixMilli(int64(v))
		case headerLevel:
			h.Level = Level(v)
		}
	})
	if err != nil {
		return Header{}, fmt.Errorf("header: %w", err)
	}
	return h, nil
}

// checkVersion rejects any header this build cannot read.
func (h Header) checkVersion() error {
	if h.Version != common.BackupVersion {
		return fmt.Errorf("%w: %d", common.ErrUnsupportedBackupVersion, h.Version)
	}
	return nil
}

func MarshalRecord(r models.Record) []byte {
	b := make([]byte, 0, len(r.Payload)+len(r.Kind)+len(r.MediaID)+16)
	b = protowire.AppendTag(b, recordKind, protowire.BytesType)
	b = protowire.AppendString(b, string(r.Kind))
	if len(r.Payload) > 0 {
		b = protowire.AppendTag(b, recordPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Payload)
	}
	if r.MediaID != "" {
		b = protowire.AppendTag(b, recordMediaID, protowire.BytesType)
		b = protowire.AppendString(b, r.MediaID)
	}
	if r.CdnNumber != 0 {
		b = protowire.AppendTag(b, recordCdnNumber, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.CdnNumber))
	}
	return b
}

func UnmarshalRecord(b []byte) (models.Record, error) {
	var r models.Record
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) {
		switch {
		case num == recordKind && typ == protowire.BytesType:
			r.Kind = models.RecordKind(raw)
		case num == recordPayload && typ == protowire.BytesType:
			r.Payload = append([]byte(nil), raw...)
		case num == recordMediaID && typ == protowire.BytesType:
			r.MediaID = string(raw)
		case num == recordCdnNumber && typ == protowire.VarintType:
			r.CdnNumber = uint32(v)
		}
	})
	if err != nil {
		return models.Record{}, fmt.Errorf("record: %w", err)
	}
	return r, nil
}

// walkFields calls fn for every field of a protobuf message. Unknown fields
// are passed through so newer writers stay readable.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", common.ErrCorruptFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", common.ErrCorruptFrame, protowire.ParseError(n))
			}
			fn(num, typ, v, nil)
			b = b[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: %v", common.ErrCorruptFrame, protowire.ParseError(n))
			}
			fn(num, typ, 0, raw)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", common.ErrCorruptFrame, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}
